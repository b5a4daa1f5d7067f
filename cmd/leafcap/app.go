package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leafcap/internal/bridge"
	"leafcap/internal/browser"
	"leafcap/internal/cache"
	"leafcap/internal/capture"
	"leafcap/internal/config"
	"leafcap/internal/cursorctx"
	"leafcap/internal/document"
	"leafcap/internal/editor"
	"leafcap/internal/locator"
	"leafcap/internal/reader"
	"leafcap/internal/server"
)

var (
	targetURL string
	targetID  string
)

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&targetURL, "url", "", "Open this project URL in a new tab")
	cmd.Flags().StringVar(&targetID, "target", "", "Attach to this DevTools target ID")
}

// editorTab is the page surface every component drives. *browser.Tab
// implements it.
type editorTab interface {
	editor.Evaluator
	capture.Viewport
	capture.Scroller
	bridge.Page
}

// app is the wired object graph behind one editor tab.
type app struct {
	cfg      *config.Config
	sessions *browser.SessionManager
	session  *browser.Session
	tab      editorTab
	bridge   *bridge.Bridge
	cache    *cache.Cache
	engine   *capture.Engine
	reader   *reader.Reader
	cursor   *cursorctx.Service

	// mutations is signalled by throttled DOM events from the tab.
	mutations chan struct{}

	mu         sync.Mutex
	editorName editor.Name
}

type appOptions struct {
	manual capture.Prompter
}

// openApp connects to the browser, finds the editor tab and wires every
// component against it. The bridge is not installed yet.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	sessions := browser.NewSessionManager(cfg.Browser)
	mutations := make(chan struct{}, 1)
	sessions.OnMutation(func(string) {
		select {
		case mutations <- struct{}{}:
		default:
		}
	})

	if err := sessions.Start(ctx); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	var (
		session *browser.Session
		err     error
	)
	switch {
	case targetURL != "":
		session, err = sessions.OpenProject(ctx, targetURL)
	case targetID != "":
		session, err = sessions.Attach(ctx, targetID)
	default:
		session, err = sessions.FindEditorTab(ctx)
	}
	if err != nil {
		_ = sessions.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	page, ok := sessions.Page(session.ID)
	if !ok {
		_ = sessions.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("session %s has no page", session.ID)
	}
	logger.Info("Attached to editor tab", zap.String("session", session.ID), zap.String("url", session.URL))

	a := newApp(cfg, browser.NewTab(page, locator.DefaultBackoff()), opts)
	a.sessions, a.session, a.mutations = sessions, session, mutations
	return a, nil
}

// newApp wires the bridge, cache, capture engine, reader and cursor
// service against tab.
func newApp(cfg *config.Config, tab editorTab, opts appOptions) *app {
	a := &app{
		cfg:       cfg,
		tab:       tab,
		mutations: make(chan struct{}, 1),
	}
	a.bridge = bridge.New(cfg.BridgeOptions())
	a.cache = cache.New(cfg.CacheOptions())
	a.engine = capture.New(capture.Deps{
		Editor:   a.detectEditor,
		Viewport: tab,
		Scroller: tab,
		Manual:   opts.manual,
		Cache:    a.cache,
	}, cfg.CaptureOptions())
	a.reader = reader.New(reader.Deps{
		Engine:   a.engine,
		Viewport: tab,
		Cache:    a.cache,
	}, cfg.ReaderDebounce())
	a.cursor = cursorctx.New(cursorctx.Deps{
		Cursor: a.bridge,
		Reader: a.engine,
		Cache:  a.cache,
	}, cfg.CursorOptions())
	return a
}

func (a *app) detectEditor(ctx context.Context) (editor.Access, error) {
	var (
		acc editor.Access
		err error
	)
	if name := a.cfg.EditorAdapter(); name != "" {
		acc, err = editor.ForName(name, a.tab)
	} else {
		acc, err = editor.Detect(ctx, a.tab)
	}
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.editorName = acc.Name()
	a.mu.Unlock()
	return acc, nil
}

// installBridge injects the page script and waits up to wait for the
// editor instance to be reported.
func (a *app) installBridge(ctx context.Context, wait time.Duration) error {
	if err := a.bridge.Install(ctx, a.tab); err != nil {
		return fmt.Errorf("install bridge: %w", err)
	}
	if wait <= 0 {
		return nil
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !a.bridge.Found() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			logger.Warn("Editor instance not reported yet", zap.Duration("waited", wait))
			return nil
		case <-tick.C:
		}
	}
	logger.Debug("Editor instance found", zap.Int("version", a.bridge.EditorVersion()))
	return nil
}

// captureDocument installs the bridge so the editor's view is reachable,
// then reads the whole document. A bridge failure still leaves the
// scrolling strategies.
func (a *app) captureDocument(ctx context.Context, wait time.Duration) document.Content {
	if err := a.installBridge(ctx, wait); err != nil {
		logger.Warn("Bridge unavailable, continuing without the editor view", zap.Error(err))
	}
	return a.reader.ReadDocument(ctx, true)
}

func (a *app) status() server.Status {
	a.mu.Lock()
	name := string(a.editorName)
	a.mu.Unlock()
	st := server.Status{
		Editor:       name,
		BridgeFound:  a.bridge.Found(),
		CacheVersion: a.cache.Version(),
		HasCache:     a.cache.HasCache(),
		LastUpdate:   a.cache.LastUpdate(),
		LastStrategy: string(a.engine.LastStrategy()),
	}
	return st
}

// onReload applies hot-reloadable settings.
func (a *app) onReload(c *config.Config) {
	a.engine.SetOptions(c.CaptureOptions())
	co := c.CacheOptions()
	a.cache.SetStaleness(co.StaleAfter, co.StalePolicy)
	logger.Info("Config reloaded",
		zap.Float64("overlap", c.Capture.Overlap),
		zap.Duration("stale_after", co.StaleAfter),
		zap.String("stale_policy", string(co.StalePolicy)))
}

func (a *app) close() {
	a.bridge.Close()
	a.reader.Close()
	a.cache.Close()
	if a.sessions == nil {
		return
	}
	if err := a.sessions.Shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Browser shutdown", zap.Error(err))
	}
}

func manualPrompter() capture.Prompter {
	return &capture.ClipboardPrompter{In: os.Stdin, Out: os.Stderr}
}
