package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"leafcap/internal/bridge"
	"leafcap/internal/browser"
	"leafcap/internal/cache"
	"leafcap/internal/capture"
	"leafcap/internal/cursorctx"
	"leafcap/internal/editor"
	"leafcap/internal/reconcile"
)

// Config holds all leafcap configuration.
type Config struct {
	Browser   browser.Config    `yaml:"browser"`
	Bridge    BridgeConfig      `yaml:"bridge"`
	Editor    EditorConfig      `yaml:"editor"`
	Capture   CaptureConfig     `yaml:"capture"`
	Reconcile reconcile.Options `yaml:"reconcile"`
	Cache     CacheConfig       `yaml:"cache"`
	Cursor    CursorConfig      `yaml:"cursor"`
	Reader    ReaderConfig      `yaml:"reader"`
	Server    ServerConfig      `yaml:"server"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// BridgeConfig configures the page-context script.
type BridgeConfig struct {
	Binding       string `yaml:"binding"`
	MaxAttempts   int    `yaml:"max_attempts"`
	RetryInterval string `yaml:"retry_interval"`
	PollInterval  string `yaml:"poll_interval"`
}

// EditorConfig pins the editor adapter. Empty or "auto" probes the page.
type EditorConfig struct {
	Adapter string `yaml:"adapter"` // auto, overleaf, cm6, cm5
}

// CaptureConfig configures full-document capture.
type CaptureConfig struct {
	Settle   string  `yaml:"settle"`
	Overlap  float64 `yaml:"overlap"`
	MaxSteps int     `yaml:"max_steps"`
}

// CacheConfig configures the document cache.
type CacheConfig struct {
	StaleAfter  string `yaml:"stale_after"`
	StalePolicy string `yaml:"stale_policy"` // warn, reject
	HistorySize int    `yaml:"history_size"`
}

// CursorConfig configures cursor-context capture and scheduling.
type CursorConfig struct {
	LinesBefore int    `yaml:"lines_before"`
	LinesAfter  int    `yaml:"lines_after"`
	Debounce    string `yaml:"debounce"`
	FullRefresh string `yaml:"full_refresh"`
	Poll        string `yaml:"poll"`
}

// ReaderConfig configures the document reader facade.
type ReaderConfig struct {
	Debounce string `yaml:"debounce"`
}

// ServerConfig configures the local HTTP/WebSocket surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: browser.Config{
			NavigationTimeoutMs: 30000,
			SessionStore:        filepath.Join(".leafcap", "sessions.json"),
			EditorURLMatch:      "overleaf.com/project/",
			EventThrottleMs:     100,
		},
		Bridge: BridgeConfig{
			Binding:       bridge.DefaultBinding,
			MaxAttempts:   10,
			RetryInterval: "1s",
			PollInterval:  "2s",
		},
		Capture: CaptureConfig{
			Settle:   "150ms",
			Overlap:  0.3,
			MaxSteps: 2000,
		},
		Reconcile: reconcile.DefaultOptions(),
		Cache: CacheConfig{
			StaleAfter:  "5s",
			StalePolicy: string(cache.StaleWarn),
			HistorySize: 32,
		},
		Cursor: CursorConfig{
			LinesBefore: 10,
			LinesAfter:  5,
			Debounce:    "1.5s",
			FullRefresh: "30s",
			Poll:        "1.5s",
		},
		Reader: ReaderConfig{
			Debounce: "300ms",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7337",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config path for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".leafcap", "config.yaml")
}

// LoadDotEnv loads workspace/.env if present. Existing variables win.
func LoadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from a YAML file, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LEAFCAP_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("LEAFCAP_USER_DATA_DIR"); v != "" {
		c.Browser.UserDataDir = v
	}
	if v := os.Getenv("LEAFCAP_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("LEAFCAP_EDITOR_URL_MATCH"); v != "" {
		c.Browser.EditorURLMatch = v
	}
	if v := os.Getenv("LEAFCAP_EDITOR_ADAPTER"); v != "" {
		c.Editor.Adapter = v
	}
	if v := os.Getenv("LEAFCAP_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("LEAFCAP_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("LEAFCAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// BridgeOptions returns the bridge settings with durations parsed.
func (c *Config) BridgeOptions() bridge.Options {
	d := bridge.DefaultOptions()
	opts := bridge.Options{
		Binding:       c.Bridge.Binding,
		MaxAttempts:   c.Bridge.MaxAttempts,
		RetryInterval: parseDuration(c.Bridge.RetryInterval, d.RetryInterval),
		PollInterval:  parseDuration(c.Bridge.PollInterval, d.PollInterval),
	}
	if opts.Binding == "" {
		opts.Binding = d.Binding
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	return opts
}

// CaptureOptions returns the capture settings, including reconciliation.
func (c *Config) CaptureOptions() capture.Options {
	d := capture.DefaultOptions()
	return capture.Options{
		Settle:    parseDuration(c.Capture.Settle, d.Settle),
		Overlap:   c.Capture.Overlap,
		MaxSteps:  c.Capture.MaxSteps,
		Reconcile: c.Reconcile,
	}
}

// CacheOptions returns the cache settings.
func (c *Config) CacheOptions() cache.Options {
	d := cache.DefaultOptions()
	opts := cache.Options{
		StaleAfter:  parseDuration(c.Cache.StaleAfter, d.StaleAfter),
		StalePolicy: cache.StalePolicy(c.Cache.StalePolicy),
		HistorySize: c.Cache.HistorySize,
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = d.StalePolicy
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = d.HistorySize
	}
	return opts
}

// CursorOptions returns the cursor-context settings.
func (c *Config) CursorOptions() cursorctx.Options {
	d := cursorctx.DefaultOptions()
	return cursorctx.Options{
		Before:      c.Cursor.LinesBefore,
		After:       c.Cursor.LinesAfter,
		Debounce:    parseDuration(c.Cursor.Debounce, d.Debounce),
		FullRefresh: parseDuration(c.Cursor.FullRefresh, d.FullRefresh),
		Poll:        parseDuration(c.Cursor.Poll, d.Poll),
	}
}

// ReaderDebounce returns the reader's change debounce.
func (c *Config) ReaderDebounce() time.Duration {
	return parseDuration(c.Reader.Debounce, 300*time.Millisecond)
}

// EditorAdapter returns the pinned adapter, or "" when the page is probed.
func (c *Config) EditorAdapter() editor.Name {
	if c.Editor.Adapter == "auto" {
		return ""
	}
	return editor.Name(c.Editor.Adapter)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Capture.Overlap < 0 || c.Capture.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("capture.overlap must be in [0, 1), got %v", c.Capture.Overlap))
	}
	if c.Capture.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("capture.max_steps must not be negative, got %d", c.Capture.MaxSteps))
	}
	switch cache.StalePolicy(c.Cache.StalePolicy) {
	case "", cache.StaleWarn, cache.StaleReject:
	default:
		errs = append(errs, fmt.Errorf("invalid cache.stale_policy: %s (valid: warn, reject)", c.Cache.StalePolicy))
	}
	switch editor.Name(c.Editor.Adapter) {
	case "", "auto", editor.Overleaf, editor.CM6, editor.CM5:
	default:
		errs = append(errs, fmt.Errorf("invalid editor.adapter: %s (valid: auto, overleaf, cm6, cm5)", c.Editor.Adapter))
	}
	if c.Cursor.LinesBefore < 0 || c.Cursor.LinesAfter < 0 {
		errs = append(errs, errors.New("cursor line window must not be negative"))
	}
	if c.Reconcile.OverlapWindow < 0 || c.Reconcile.BlockSize < 0 {
		errs = append(errs, errors.New("reconcile windows must not be negative"))
	}
	for name, v := range map[string]string{
		"bridge.retry_interval": c.Bridge.RetryInterval,
		"bridge.poll_interval":  c.Bridge.PollInterval,
		"capture.settle":        c.Capture.Settle,
		"cache.stale_after":     c.Cache.StaleAfter,
		"cursor.debounce":       c.Cursor.Debounce,
		"cursor.full_refresh":   c.Cursor.FullRefresh,
		"cursor.poll":           c.Cursor.Poll,
		"reader.debounce":       c.Reader.Debounce,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	return errors.Join(errs...)
}
