// Package cursorctx captures the lines around the editor cursor and keeps
// the document cache fresh while the user edits.
package cursorctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"leafcap/internal/cache"
	"leafcap/internal/document"
	"leafcap/internal/logging"
)

// ErrNoDocument is returned when no document text could be obtained.
var ErrNoDocument = errors.New("no document content available")

// CursorSource reports the live cursor. The bridge implements it.
type CursorSource interface {
	Cursor() (document.CursorPosition, bool)
	CurrentLine() string
}

// FullReader performs a full-document read. The capture engine implements it.
type FullReader interface {
	Capture(ctx context.Context, force bool) string
}

// Options configures the context window and its refresh schedule.
type Options struct {
	Before      int
	After       int
	Debounce    time.Duration
	FullRefresh time.Duration
	Poll        time.Duration
}

// DefaultOptions returns 10 lines before, 5 after, and the stock timings.
func DefaultOptions() Options {
	return Options{
		Before:      10,
		After:       5,
		Debounce:    1500 * time.Millisecond,
		FullRefresh: 30 * time.Second,
		Poll:        1500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Before < 0 {
		o.Before = 0
	}
	if o.After < 0 {
		o.After = 0
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.FullRefresh <= 0 {
		o.FullRefresh = d.FullRefresh
	}
	if o.Poll <= 0 {
		o.Poll = d.Poll
	}
	return o
}

// Window returns the inclusive line range [start, end] around line, clamped
// to the document. It returns (0, -1) for an empty document.
func Window(line, lineCount, before, after int) (start, end int) {
	if lineCount <= 0 {
		return 0, -1
	}
	start = line - before
	if start < 0 {
		start = 0
	}
	end = line + after
	if end > lineCount-1 {
		end = lineCount - 1
	}
	if start > end {
		start = end
	}
	return start, end
}

// Listener receives every captured context.
type Listener = func(document.CursorContext)

// Deps are the service collaborators. Cursor may be nil.
type Deps struct {
	Cursor CursorSource
	Reader FullReader
	Cache  *cache.Cache
	Now    func() time.Time
}

// Service captures cursor contexts.
type Service struct {
	deps Deps
	opts Options

	inFlight atomic.Bool

	mu       sync.Mutex
	lastFull time.Time
	subs     map[int]Listener
	nextSub  int
}

// New builds a service. The cache is required.
func New(deps Deps, opts Options) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps, opts: opts.withDefaults(), subs: make(map[int]Listener)}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// OnContext registers fn and returns its unsubscribe func.
func (s *Service) OnContext(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Cursor returns the live cursor or the document start.
func (s *Service) Cursor() document.CursorPosition {
	if s.deps.Cursor != nil {
		if pos, ok := s.deps.Cursor.Cursor(); ok {
			return pos
		}
	}
	return document.CursorPosition{}
}

// NeedsFullRefresh reports whether the next capture must re-read the document.
func (s *Service) NeedsFullRefresh() bool {
	if !s.deps.Cache.HasCache() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Now().Sub(s.lastFull) > s.opts.FullRefresh
}

// Capture builds the context around the cursor. A call made while another
// capture runs returns (nil, nil).
func (s *Service) Capture(ctx context.Context, force bool) (*document.CursorContext, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer s.inFlight.Store(false)

	pos := s.Cursor()
	if force || s.NeedsFullRefresh() {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}

	lines := s.deps.Cache.Lines()
	if len(lines) == 0 {
		return nil, ErrNoDocument
	}
	clamped := pos
	if clamped.Line >= len(lines) {
		clamped.Line = len(lines) - 1
	}
	if clamped.Line < 0 {
		clamped.Line = 0
	}

	start, end := Window(clamped.Line, len(lines), s.opts.Before, s.opts.After)
	window := append([]string(nil), lines[start:end+1]...)
	current := window[clamped.Line-start]
	if s.deps.Cursor != nil && clamped.Line == pos.Line {
		if _, ok := s.deps.Cursor.Cursor(); ok {
			current = s.deps.Cursor.CurrentLine()
			window[clamped.Line-start] = current
		}
	}

	cc := document.CursorContext{
		Position:    pos,
		LinesBefore: append([]string(nil), window[:clamped.Line-start]...),
		CurrentLine: current,
		LinesAfter:  append([]string(nil), window[clamped.Line-start+1:]...),
		Range:       document.LineRange{Start: start, End: end},
		Timestamp:   s.deps.Now(),
	}
	logging.CursorDebug("context around line %d, range %d-%d", pos.Line, start, end)

	if _, err := s.deps.Cache.UpdatePartial(window, start); err != nil {
		logging.CursorError("feed context window to cache: %v", err)
	}
	s.notify(cc)
	return &cc, nil
}

func (s *Service) refresh(ctx context.Context) error {
	if s.deps.Reader == nil {
		if s.deps.Cache.HasCache() {
			return nil
		}
		return ErrNoDocument
	}
	text := s.deps.Reader.Capture(ctx, true)
	if text != "" {
		if cur, _ := s.deps.Cache.Text(); cur != text {
			s.deps.Cache.UpdateFull(document.NewContent(text, s.deps.Now()))
		}
	}
	if !s.deps.Cache.HasCache() {
		return ErrNoDocument
	}
	s.mu.Lock()
	s.lastFull = s.deps.Now()
	s.mu.Unlock()
	logging.Cursor("full document refresh (%d bytes)", len(text))
	return nil
}

func (s *Service) notify(cc document.CursorContext) {
	s.mu.Lock()
	fns := make([]Listener, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.CursorError("context listener panic: %v", r)
				}
			}()
			fn(cc)
		}()
	}
}
