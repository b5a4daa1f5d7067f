// Package logging provides categorized file-based logging for leafcap.
// Logs are written to .leafcap/logs/ with one file per category per day.
// Logging is controlled by logging.debug_mode in .leafcap/config.yaml - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config loading
	CategoryBrowser   Category = "browser"   // CDP session, tab attach, DOM events
	CategoryBridge    Category = "bridge"    // Page-context script and relayed messages
	CategoryLocator   Category = "locator"   // Editor root / scroll container discovery
	CategoryCapture   Category = "capture"   // Full-document capture strategies
	CategoryReconcile Category = "reconcile" // Chunk stitching and duplicate removal
	CategoryCache     Category = "cache"     // Document cache mutations
	CategoryCursor    Category = "cursor"    // Cursor context capture and scheduling
	CategoryReader    Category = "reader"    // Document reader facade
	CategoryServer    Category = "server"    // Local HTTP/WebSocket surface
)

// Settings mirrors config.LoggingConfig to avoid an import cycle.
type Settings struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
	JSONFormat bool
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logs directory under the workspace and applies settings.
// With DebugMode off this is a silent no-op and every logger discards.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	configMu.Lock()
	settings = s
	logLevel = parseLevel(s.Level)
	if s.DebugMode {
		logsDir = filepath.Join(workspace, ".leafcap", "logs")
	} else {
		logsDir = ""
	}
	configMu.Unlock()

	if !s.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== leafcap logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", s.Level)
	if len(s.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	configMu.RLock()
	asJSON := settings.JSONFormat
	configMu.RUnlock()
	if asJSON {
		l.logJSON(tag, msg, nil)
		return
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// StructuredLog writes a log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	configMu.RLock()
	asJSON := settings.JSONFormat
	configMu.RUnlock()
	if asJSON {
		l.logJSON(level, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func Bridge(format string, args ...interface{})      { Get(CategoryBridge).Info(format, args...) }
func BridgeDebug(format string, args ...interface{}) { Get(CategoryBridge).Debug(format, args...) }
func BridgeWarn(format string, args ...interface{})  { Get(CategoryBridge).Warn(format, args...) }

func Locator(format string, args ...interface{})      { Get(CategoryLocator).Info(format, args...) }
func LocatorDebug(format string, args ...interface{}) { Get(CategoryLocator).Debug(format, args...) }

func Capture(format string, args ...interface{})      { Get(CategoryCapture).Info(format, args...) }
func CaptureDebug(format string, args ...interface{}) { Get(CategoryCapture).Debug(format, args...) }
func CaptureWarn(format string, args ...interface{})  { Get(CategoryCapture).Warn(format, args...) }
func CaptureError(format string, args ...interface{}) { Get(CategoryCapture).Error(format, args...) }

func ReconcileDebug(format string, args ...interface{}) { Get(CategoryReconcile).Debug(format, args...) }

func Cache(format string, args ...interface{})      { Get(CategoryCache).Info(format, args...) }
func CacheDebug(format string, args ...interface{}) { Get(CategoryCache).Debug(format, args...) }
func CacheWarn(format string, args ...interface{})  { Get(CategoryCache).Warn(format, args...) }
func CacheError(format string, args ...interface{}) { Get(CategoryCache).Error(format, args...) }

func Cursor(format string, args ...interface{})      { Get(CategoryCursor).Info(format, args...) }
func CursorDebug(format string, args ...interface{}) { Get(CategoryCursor).Debug(format, args...) }
func CursorError(format string, args ...interface{}) { Get(CategoryCursor).Error(format, args...) }

func Reader(format string, args ...interface{})      { Get(CategoryReader).Info(format, args...) }
func ReaderDebug(format string, args ...interface{}) { Get(CategoryReader).Debug(format, args...) }
func ReaderError(format string, args ...interface{}) { Get(CategoryReader).Error(format, args...) }

func Server(format string, args ...interface{})     { Get(CategoryServer).Info(format, args...) }
func ServerWarn(format string, args ...interface{}) { Get(CategoryServer).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
