// Package reader is the document read API used by UI collaborators.
package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"leafcap/internal/cache"
	"leafcap/internal/capture"
	"leafcap/internal/document"
	"leafcap/internal/extract"
	"leafcap/internal/logging"
)

// DefaultDebounce is the quiet period before an editor change is processed.
const DefaultDebounce = 300 * time.Millisecond

// FullReader performs a full-document capture.
type FullReader interface {
	Capture(ctx context.Context, force bool) string
}

// ChangeListener receives document content after an editor change.
type ChangeListener = func(document.Content)

// Deps are the reader collaborators. Viewport may be nil.
type Deps struct {
	Engine   FullReader
	Viewport capture.Viewport
	Cache    *cache.Cache
	Now      func() time.Time
}

// Reader serves document reads from the cache and the capture engine.
type Reader struct {
	deps     Deps
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	last    *document.Content
	stale   bool
	timer   *time.Timer
	closed  bool
	subs    map[int]ChangeListener
	nextSub int
}

// New creates a reader. A non-positive debounce selects DefaultDebounce.
func New(deps Deps, debounce time.Duration) *Reader {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reader{deps: deps, debounce: debounce, ctx: ctx, cancel: cancel, subs: make(map[int]ChangeListener)}
}

// ReadDocument returns the full document. It captures when force is set,
// when there is no cache, or after an editor change marked the full text
// stale. Otherwise it serves the cache. When capture yields nothing it
// falls back to the visible viewport.
func (r *Reader) ReadDocument(ctx context.Context, force bool) document.Content {
	r.mu.Lock()
	stale := r.stale
	r.mu.Unlock()

	if force || stale || !r.deps.Cache.HasCache() {
		if text := r.deps.Engine.Capture(ctx, true); text != "" {
			r.mu.Lock()
			r.stale = false
			r.mu.Unlock()
			return r.remember(document.NewContent(text, r.deps.Now()))
		}
	} else if content, ok := r.deps.Cache.Content(); ok {
		return r.remember(content)
	}

	content, err := r.readVisible(ctx)
	if err != nil {
		logging.ReaderError("read visible viewport: %v", err)
		if cached, ok := r.deps.Cache.Content(); ok {
			return r.remember(cached)
		}
		return document.Content{Timestamp: r.deps.Now()}
	}
	logging.Reader("serving visible viewport (%d lines)", len(content.Lines))
	return r.remember(content)
}

// ReadVisible extracts only the lines currently rendered.
func (r *Reader) ReadVisible(ctx context.Context) (document.Content, error) {
	content, err := r.readVisible(ctx)
	if err != nil {
		return document.Content{}, err
	}
	return r.remember(content), nil
}

func (r *Reader) readVisible(ctx context.Context) (document.Content, error) {
	if r.deps.Viewport == nil {
		return document.Content{}, errors.New("no viewport")
	}
	raw, err := r.deps.Viewport.HTML(ctx)
	if err != nil {
		return document.Content{}, err
	}
	lines, err := extract.Visible(raw)
	if err != nil {
		return document.Content{}, err
	}
	return document.FromLines(lines, r.deps.Now()), nil
}

func (r *Reader) remember(c document.Content) document.Content {
	r.mu.Lock()
	r.last = &c
	r.mu.Unlock()
	return c
}

// CurrentContent returns the last content read.
func (r *Reader) CurrentContent() (document.Content, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return document.Content{}, false
	}
	return *r.last, true
}

// OnDocumentChange registers fn for editor changes that altered the text.
func (r *Reader) OnDocumentChange(fn ChangeListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// OnCacheChange subscribes fn to cache updates.
func (r *Reader) OnCacheChange(fn cache.Listener) func() {
	return r.deps.Cache.Subscribe(fn)
}

// HandleEditorChange schedules change processing after the debounce period.
// Bursts of calls collapse into one.
func (r *Reader) HandleEditorChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.processChange)
}

func (r *Reader) processChange() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.stale = true
	r.mu.Unlock()
	defer r.wg.Done()

	content, err := r.readVisible(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			logging.ReaderError("editor change: %v", err)
		}
		return
	}

	r.mu.Lock()
	prev := r.last
	r.last = &content
	var fns []ChangeListener
	if prev == nil || prev.RawText != content.RawText {
		for _, fn := range r.subs {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	logging.ReaderDebug("document changed, notifying %d listeners", len(fns))
	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.ReaderError("change listener panic: %v", rec)
				}
			}()
			fn(content)
		}()
	}
}

// Close cancels pending change processing and waits for a running one.
func (r *Reader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.subs = make(map[int]ChangeListener)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
