// Package capture reconstructs the full document text from a virtualized
// editor that only renders the lines near its viewport.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"leafcap/internal/cache"
	"leafcap/internal/document"
	"leafcap/internal/editor"
	"leafcap/internal/logging"
	"leafcap/internal/reconcile"
)

// ErrEmpty marks a strategy that produced no text.
var ErrEmpty = errors.New("capture produced no text")

// Strategy names the path that produced a capture.
type Strategy string

const (
	StrategyNone         Strategy = ""
	StrategyCache        Strategy = "cache"
	StrategyDirect       Strategy = "direct"
	StrategyInstrumented Strategy = "instrumented"
	StrategyGeneric      Strategy = "generic"
	StrategyManual       Strategy = "manual"
)

// Metrics are the scroll container's geometry in CSS pixels.
type Metrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// Viewport returns the editor root's outer HTML as currently rendered.
type Viewport interface {
	HTML(ctx context.Context) (string, error)
}

// Scroller moves the editor's scroll container.
type Scroller interface {
	Metrics(ctx context.Context) (Metrics, error)
	ScrollTo(ctx context.Context, top float64) error
}

// Prompter asks a human for the document text.
type Prompter interface {
	Prompt(ctx context.Context) (string, error)
}

// Deps are the engine's collaborators. Any of them may be nil, which
// disables the strategies that need it.
type Deps struct {
	Editor   func(ctx context.Context) (editor.Access, error)
	Viewport Viewport
	Scroller Scroller
	Manual   Prompter
	Cache    *cache.Cache
}

// Options tunes scrolling capture.
type Options struct {
	// Settle is the wait after each scroll for the editor to render.
	Settle time.Duration
	// Overlap is the fraction of the viewport repeated between steps.
	Overlap float64
	// MaxSteps bounds the number of scroll steps per strategy.
	MaxSteps int
	// Reconcile tunes stitching and duplicate removal.
	Reconcile reconcile.Options
}

// DefaultOptions returns the stock capture settings.
func DefaultOptions() Options {
	return Options{
		Settle:    150 * time.Millisecond,
		Overlap:   0.3,
		MaxSteps:  2000,
		Reconcile: reconcile.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Settle <= 0 {
		o.Settle = d.Settle
	}
	if o.Overlap <= 0 || o.Overlap >= 1 {
		o.Overlap = d.Overlap
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.MaxSteps
	}
	return o
}

// Engine runs the capture strategy chain. Captures never overlap.
type Engine struct {
	deps Deps

	mu   sync.RWMutex
	opts Options
	last Strategy

	inFlight atomic.Bool
}

// New builds an engine.
func New(deps Deps, opts Options) *Engine {
	return &Engine{deps: deps, opts: opts.withDefaults()}
}

// SetOptions replaces the tuning options. It applies to the next capture.
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// LastStrategy reports which strategy produced the most recent result.
func (e *Engine) LastStrategy() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func (e *Engine) setLast(s Strategy) {
	e.mu.Lock()
	e.last = s
	e.mu.Unlock()
}

// InFlight reports whether a capture is running.
func (e *Engine) InFlight() bool { return e.inFlight.Load() }

// CaptureFullDocument returns the cached text when present, otherwise captures.
func (e *Engine) CaptureFullDocument(ctx context.Context) string {
	return e.Capture(ctx, false)
}

// Capture runs the strategy chain and returns the first non-empty result.
// With force false a populated cache short-circuits the chain. A caller that
// arrives while a capture is running gets the cached text (or "") at once.
// On total failure the cached text or "" is returned.
func (e *Engine) Capture(ctx context.Context, force bool) string {
	cached := e.cachedText()
	if !force && cached != "" {
		e.setLast(StrategyCache)
		return cached
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		logging.CaptureDebug("capture already in flight, returning cached text")
		return cached
	}
	defer e.inFlight.Store(false)

	timer := logging.StartTimer(logging.CategoryCapture, "full capture")
	defer timer.StopWithThreshold(5 * time.Second)

	opts := e.options()
	chain := []struct {
		name Strategy
		run  func(context.Context, Options) (string, error)
	}{
		{StrategyDirect, e.direct},
		{StrategyInstrumented, e.instrumented},
		{StrategyGeneric, e.generic},
		{StrategyManual, e.manual},
	}
	for _, s := range chain {
		if ctx.Err() != nil {
			break
		}
		text, err := s.run(ctx, opts)
		if err == nil && text == "" {
			err = ErrEmpty
		}
		if err != nil {
			logging.CaptureWarn("%s strategy failed: %v", s.name, err)
			continue
		}
		logging.Capture("%s strategy captured %d bytes", s.name, len(text))
		e.setLast(s.name)
		if e.deps.Cache != nil {
			e.deps.Cache.UpdateFull(document.NewContent(text, time.Now()))
		}
		return text
	}

	logging.CaptureError("all capture strategies failed")
	e.setLast(StrategyNone)
	return e.cachedText()
}

func (e *Engine) cachedText() string {
	if e.deps.Cache == nil {
		return ""
	}
	text, _ := e.deps.Cache.Text()
	return text
}

// settle waits d or until ctx is done.
func settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
