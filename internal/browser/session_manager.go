// Package browser connects to Chromium over CDP and exposes the Overleaf
// tab to the rest of leafcap.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"leafcap/internal/logging"
)

// ErrNoEditorTab is returned when no open tab matches the editor URL.
var ErrNoEditorTab = errors.New("no editor tab found")

// Session describes the public metadata for a tracked tab.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta    Session
	page    *rod.Page
	created bool
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `yaml:"debugger_url" json:"debugger_url"`
	Launch              []string `yaml:"launch" json:"launch"`
	Headless            bool     `yaml:"headless" json:"headless"`
	UserDataDir         string   `yaml:"user_data_dir" json:"user_data_dir"`
	KeepAlive           bool     `yaml:"keep_alive" json:"keep_alive"` // leave a launched browser running on exit
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms" json:"navigation_timeout_ms"`
	SessionStore        string   `yaml:"session_store" json:"session_store"`
	EditorURLMatch      string   `yaml:"editor_url_match" json:"editor_url_match"`
	EventThrottleMs     int      `yaml:"event_throttle_ms" json:"event_throttle_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		NavigationTimeoutMs: 30000,
		EditorURLMatch:      "overleaf.com/project/",
		EventThrottleMs:     100,
	}
}

// IsHeadless returns the headless setting.
func (c Config) IsHeadless() bool {
	return c.Headless
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// GetEditorURLMatch returns the URL substring identifying editor tabs.
func (c Config) GetEditorURLMatch() string {
	if c.EditorURLMatch == "" {
		return "overleaf.com/project/"
	}
	return c.EditorURLMatch
}

// SessionManager owns the Chrome connection and tracks editor tabs.
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	launched   bool
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
	onMutation func(sessionID string)
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// OnMutation sets the callback for throttled DOM mutations in tracked tabs.
// It applies to sessions attached afterwards.
func (m *SessionManager) OnMutation(fn func(sessionID string)) {
	m.mu.Lock()
	m.onMutation = fn
	m.mu.Unlock()
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		_, err := m.browser.Version()
		if err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, reconnecting")
		m.browser = nil
		m.controlURL = ""
		m.sessions = make(map[string]*sessionRecord)
	}

	if err := m.loadSessionsLocked(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" {
		url, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = url
		launched = true
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.launched = launched
	m.controlURL = controlURL
	logging.Browser("connected to %s (launched=%v)", controlURL, launched)
	return nil
}

func (m *SessionManager) newLauncher(bin string) *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.IsHeadless()).Leakless(!m.cfg.KeepAlive)
	if bin != "" {
		l = l.Bin(bin)
	}
	if m.cfg.UserDataDir != "" {
		l = l.UserDataDir(m.cfg.UserDataDir)
	}
	return l
}

func (m *SessionManager) launch() (string, error) {
	if len(m.cfg.Launch) == 0 {
		url, err := m.newLauncher("").Launch()
		if err != nil {
			return "", fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		return url, nil
	}

	bin := m.cfg.Launch[0]
	l := m.newLauncher(bin)
	for _, rawFlag := range m.cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}
	alt, altErr := m.newLauncher(bin).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes the tabs it opened and, unless KeepAlive is set, a
// browser it launched. Attached tabs and external browsers are left open.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.sessions {
		if record.page != nil && record.created {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil && m.launched && !m.cfg.KeepAlive {
		err = m.browser.Close()
	}
	m.browser = nil
	m.controlURL = ""
	return err
}

// List returns metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// OpenProject opens url in a new tab of the default browser context so the
// user's login cookies apply.
func (m *SessionManager) OpenProject(ctx context.Context, url string) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		logging.BrowserWarn("navigate %s: %v", url, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	m.track(ctx, meta, page, true)
	return &meta, nil
}

// Attach binds to an existing target by TargetID.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	if info, err := page.Info(); err == nil {
		meta.URL, meta.Title = info.URL, info.Title
	}
	m.track(ctx, meta, page, false)
	return &meta, nil
}

// FindEditorTab attaches to the first open tab whose URL contains the
// configured editor match.
func (m *SessionManager) FindEditorTab(ctx context.Context) (*Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	match := m.cfg.GetEditorURLMatch()
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || isInternalURL(info.URL) {
			continue
		}
		if strings.Contains(info.URL, match) {
			logging.Browser("found editor tab %s (%s)", info.TargetID, info.URL)
			return m.Attach(ctx, string(info.TargetID))
		}
	}
	return nil, fmt.Errorf("%w matching %q", ErrNoEditorTab, match)
}

func (m *SessionManager) track(ctx context.Context, meta Session, page *rod.Page, created bool) {
	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, created: created}
	onMutation := m.onMutation
	m.mu.Unlock()

	m.startEventStream(ctx, meta.ID, page, onMutation)
	if err := m.persistSessions(); err != nil {
		logging.BrowserWarn("persist sessions: %v", err)
	}
}

// Page returns the underlying Rod page for a session.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata updates session metadata.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns session metadata.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// startEventStream tracks navigation and forwards throttled DOM mutations.
func (m *SessionManager) startEventStream(ctx context.Context, sessionID string, page *rod.Page, onMutation func(string)) {
	throttler := newEventThrottler(m.cfg.EventThrottleMs)

	if onMutation != nil {
		_ = proto.DOMEnable{}.Call(page)
		// Mutation events are only reported for nodes the client has seen.
		depth := -1
		if _, err := (proto.DOMGetDocument{Depth: &depth}).Call(page); err != nil {
			logging.BrowserWarn("[session:%s] request document: %v", sessionID, err)
		}
	}

	mutated := func() {
		if onMutation == nil || !throttler.Allow("dom") {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logging.BrowserError("[session:%s] mutation callback panic: %v", sessionID, r)
			}
		}()
		onMutation(sessionID)
	}

	wait := page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame.ParentID != "" {
				return
			}
			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = time.Now()
				return s
			})
			logging.BrowserDebug("[session:%s] navigated to %s", sessionID, ev.Frame.URL)
		},
		func(ev *proto.DOMDocumentUpdated) { mutated() },
		func(ev *proto.DOMChildNodeInserted) { mutated() },
		func(ev *proto.DOMChildNodeRemoved) { mutated() },
		func(ev *proto.DOMCharacterDataModified) { mutated() },
	)
	go wait()
}

// persistSessions writes session metadata to disk.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessionsLocked loads persisted metadata. Caller must hold lock.
func (m *SessionManager) loadSessionsLocked() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	for _, s := range sessions {
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}

func isInternalURL(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"about:",
		"data:",
		"blob:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
