// Package cache holds the last known full document plus line-range patches,
// a monotonic version counter, and change subscribers.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"leafcap/internal/document"
	"leafcap/internal/logging"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNoBaseline is returned when a partial update arrives before any full update.
	ErrNoBaseline = errors.New("no full cache exists")
	// ErrStale is returned under StaleReject when the last update is too old.
	ErrStale = errors.New("partial update against stale cache")
)

// StalePolicy decides what happens to partial updates against an old baseline.
type StalePolicy string

const (
	StaleWarn   StalePolicy = "warn"
	StaleReject StalePolicy = "reject"
)

// Listener receives the new content and the event that produced it.
type Listener func(content document.Content, ev document.UpdateEvent)

// Options configures a Cache.
type Options struct {
	StaleAfter  time.Duration
	StalePolicy StalePolicy
	HistorySize int
	Now         func() time.Time
}

// DefaultOptions returns the stock cache settings.
func DefaultOptions() Options {
	return Options{
		StaleAfter:  5 * time.Second,
		StalePolicy: StaleWarn,
		HistorySize: 32,
	}
}

type subscriber struct {
	id int
	fn Listener
}

// Cache is the document cache. Create one per editor session with New.
type Cache struct {
	mu         sync.Mutex
	opts       Options
	has        bool
	lines      []string
	text       string
	lastUpdate time.Time
	version    int
	subs       []subscriber
	nextSub    int
	history    *lru.Cache[int, document.Content]
}

// New creates an empty cache.
func New(opts Options) *Cache {
	d := DefaultOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = d.StaleAfter
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = d.StalePolicy
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = d.HistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	history, err := lru.New[int, document.Content](opts.HistorySize)
	if err != nil {
		// Only reachable with a non-positive size, which is defaulted above.
		panic(fmt.Sprintf("cache: history: %v", err))
	}
	return &Cache{opts: opts, history: history}
}

// SetStaleness updates the staleness threshold and policy at runtime.
func (c *Cache) SetStaleness(after time.Duration, policy StalePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if after > 0 {
		c.opts.StaleAfter = after
	}
	if policy != "" {
		c.opts.StalePolicy = policy
	}
}

// UpdateFull replaces the cached document.
func (c *Cache) UpdateFull(content document.Content) {
	ts := content.Timestamp
	if ts.IsZero() {
		ts = c.opts.Now()
		content.Timestamp = ts
	}

	c.mu.Lock()
	c.has = true
	c.text = content.RawText
	c.lines = document.SplitLines(content.RawText)
	c.lastUpdate = ts
	c.version++
	ev := document.UpdateEvent{
		Kind:      document.UpdateFull,
		Version:   c.version,
		Timestamp: ts,
		Content:   &content,
	}
	c.history.Add(c.version, content)
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	logging.Cache("full update: %d lines, version %d", len(document.SplitLines(content.RawText)), ev.Version)
	c.notify(subs, content, ev)
}

// UpdatePartial patches lines starting at startLine. It returns the resulting
// content even when nothing changed.
func (c *Cache) UpdatePartial(newLines []string, startLine int) (document.Content, error) {
	if startLine < 0 {
		return document.Content{}, fmt.Errorf("partial update: negative start line %d", startLine)
	}

	c.mu.Lock()
	if !c.has {
		c.mu.Unlock()
		logging.CacheError("cannot apply partial update at line %d: no full cache", startLine)
		return document.Content{}, ErrNoBaseline
	}

	now := c.opts.Now()
	if age := now.Sub(c.lastUpdate); age > c.opts.StaleAfter {
		if c.opts.StalePolicy == StaleReject {
			c.mu.Unlock()
			return document.Content{}, fmt.Errorf("%w: last update %v ago", ErrStale, age)
		}
		logging.CacheWarn("last update was %v ago, partial update may be unreliable", age)
	}

	changed := false
	if need := startLine + len(newLines); need > len(c.lines) {
		c.lines = append(c.lines, make([]string, need-len(c.lines))...)
		changed = true
	}
	for i, l := range newLines {
		if c.lines[startLine+i] != l {
			c.lines[startLine+i] = l
			changed = true
		}
	}

	if !changed {
		content := c.contentLocked()
		c.mu.Unlock()
		logging.CacheDebug("partial update at line %d: no changes", startLine)
		return content, nil
	}

	c.text = strings.Join(c.lines, "\n")
	c.version++
	c.lastUpdate = now
	content := document.NewContent(c.text, now)
	patch := make([]string, len(newLines))
	copy(patch, newLines)
	ev := document.UpdateEvent{
		Kind:      document.UpdatePartial,
		Version:   c.version,
		Timestamp: now,
		Lines:     patch,
		Range:     &document.LineRange{Start: startLine, End: startLine + len(newLines) - 1},
	}
	c.history.Add(c.version, content)
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	logging.Cache("partial update at line %d (%d lines), version %d", startLine, len(newLines), ev.Version)
	c.notify(subs, content, ev)
	return content, nil
}

// HasCache reports whether a full baseline exists.
func (c *Cache) HasCache() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has
}

// Text returns the cached document text.
func (c *Cache) Text() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, c.has
}

// Lines returns a copy of the cached lines.
func (c *Cache) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// LineRange returns cached lines in [start, end], clamped to the document.
func (c *Cache) LineRange(start, end int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if end >= len(c.lines) {
		end = len(c.lines) - 1
	}
	if start > end {
		return []string{}
	}
	return append([]string(nil), c.lines[start:end+1]...)
}

// Version returns the current version; 0 means never updated since creation or Clear.
func (c *Cache) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// LastUpdate returns the time of the last accepted mutation.
func (c *Cache) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Content returns the cache as a document snapshot.
func (c *Cache) Content() (document.Content, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return document.Content{}, false
	}
	return c.contentLocked(), true
}

// Snapshot returns the content recorded at version, if still in history.
func (c *Cache) Snapshot(version int) (document.Content, bool) {
	return c.history.Get(version)
}

// Clear drops the baseline and resets the version.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.has = false
	c.text = ""
	c.lines = nil
	c.lastUpdate = time.Time{}
	c.version = 0
	c.history.Purge()
	logging.Cache("document cache cleared")
}

// Subscribe registers fn for change events and returns its unsubscribe func.
func (c *Cache) Subscribe(fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close drops every subscriber.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = nil
}

func (c *Cache) contentLocked() document.Content {
	ts := c.lastUpdate
	if ts.IsZero() {
		ts = c.opts.Now()
	}
	return document.NewContent(c.text, ts)
}

func (c *Cache) snapshotSubsLocked() []subscriber {
	return append([]subscriber(nil), c.subs...)
}

// notify runs listeners outside the state lock so a listener may read or
// mutate the cache. Concurrent writers may deliver out of order; consumers
// order by ev.Version.
func (c *Cache) notify(subs []subscriber, content document.Content, ev document.UpdateEvent) {
	for _, s := range subs {
		c.call(s.fn, content, ev)
	}
}

func (c *Cache) call(fn Listener, content document.Content, ev document.UpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.CacheError("error in change listener: %v", r)
		}
	}()
	fn(content, ev)
}
