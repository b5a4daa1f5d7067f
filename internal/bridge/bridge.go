// Package bridge installs the page-context script that binds to the editor's
// internal state and relays cursor and change events back into this process.
package bridge

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"leafcap/internal/document"
	"leafcap/internal/logging"
)

//go:embed inject.js
var injectScript string

// DefaultBinding is the runtime binding name the page script calls.
const DefaultBinding = "__leafcapRelay"

// Page is the page-context surface the bridge needs.
type Page interface {
	// EvalOnNewDocument registers js to run before page scripts on every navigation.
	EvalOnNewDocument(ctx context.Context, js string) error
	// Exec runs js in the current document.
	Exec(ctx context.Context, js string) error
	// Bind exposes a page function name whose string arguments reach fn.
	Bind(ctx context.Context, name string, fn func(payload string)) (stop func(), err error)
}

// Options configures the page script schedule.
type Options struct {
	Binding       string
	MaxAttempts   int
	RetryInterval time.Duration
	PollInterval  time.Duration
}

// DefaultOptions mirrors the editor's mount timing on Overleaf.
func DefaultOptions() Options {
	return Options{
		Binding:       DefaultBinding,
		MaxAttempts:   10,
		RetryInterval: time.Second,
		PollInterval:  2 * time.Second,
	}
}

// Script renders the page script for opts.
func Script(opts Options) string {
	d := DefaultOptions()
	if opts.Binding == "" {
		opts.Binding = d.Binding
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = d.RetryInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	return strings.NewReplacer(
		"__LEAFCAP_BINDING__", opts.Binding,
		"__LEAFCAP_MAX_ATTEMPTS__", strconv.Itoa(opts.MaxAttempts),
		"__LEAFCAP_RETRY_MS__", strconv.FormatInt(opts.RetryInterval.Milliseconds(), 10),
		"__LEAFCAP_POLL_MS__", strconv.FormatInt(opts.PollInterval.Milliseconds(), 10),
	).Replace(injectScript)
}

// Handler receives decoded bridge messages.
type Handler func(Message)

// Bridge tracks the page script state.
type Bridge struct {
	opts Options

	mu      sync.RWMutex
	found   bool
	version int
	cursor  document.CursorPosition
	hasPos  bool
	line    string
	subs    map[int]Handler
	nextSub int
	stop    func()
}

// New creates an uninstalled bridge.
func New(opts Options) *Bridge {
	if opts.Binding == "" {
		opts.Binding = DefaultBinding
	}
	return &Bridge{opts: opts, subs: make(map[int]Handler)}
}

// Install binds the relay and injects the script into the current and future documents.
func (b *Bridge) Install(ctx context.Context, page Page) error {
	stop, err := page.Bind(ctx, b.opts.Binding, b.HandlePayload)
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.opts.Binding, err)
	}
	script := Script(b.opts)
	if err := page.EvalOnNewDocument(ctx, script); err != nil {
		stop()
		return fmt.Errorf("register page script: %w", err)
	}
	if err := page.Exec(ctx, script); err != nil {
		stop()
		return fmt.Errorf("inject page script: %w", err)
	}

	b.mu.Lock()
	b.stop = stop
	b.mu.Unlock()
	logging.Bridge("page script installed (binding %s)", b.opts.Binding)
	return nil
}

// Close stops relaying messages.
func (b *Bridge) Close() {
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.subs = make(map[int]Handler)
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// HandlePayload decodes one relayed envelope. Malformed input is logged and dropped.
func (b *Bridge) HandlePayload(payload string) {
	msg, err := Decode([]byte(payload))
	if err != nil {
		logging.BridgeWarn("dropping message: %v", err)
		return
	}
	b.Dispatch(msg)
}

// Dispatch records state from msg and fans it out to subscribers.
func (b *Bridge) Dispatch(msg Message) {
	b.mu.Lock()
	switch m := msg.(type) {
	case InstanceFound:
		b.found = true
		b.version = m.Version
		logging.Bridge("editor instance found (version %d)", m.Version)
	case CursorUpdate:
		b.cursor, b.hasPos, b.line = m.Info.Cursor(), true, m.Info.LineContent
	case Change:
		b.cursor, b.hasPos, b.line = m.Info.Cursor(), true, m.Info.LineContent
	case ScriptLoaded:
		logging.BridgeDebug("page script loaded")
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.call(h, msg)
	}
}

func (b *Bridge) call(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.BridgeWarn("handler panic on %s: %v", msg.Kind(), r)
		}
	}()
	h(msg)
}

// Subscribe registers h and returns its unsubscribe func.
func (b *Bridge) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Found reports whether the page script bound to an editor.
func (b *Bridge) Found() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.found
}

// EditorVersion returns the bound editor generation (5, 6, or 0 for host API only).
func (b *Bridge) EditorVersion() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Cursor returns the last reported zero-based cursor position.
func (b *Bridge) Cursor() (document.CursorPosition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursor, b.hasPos
}

// CurrentLine returns the text of the cursor line as last reported.
func (b *Bridge) CurrentLine() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.line
}
