// Package locator finds the live editor root and its scroll container.
// Absence is an expected state while Overleaf is still mounting the editor.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leafcap/internal/logging"
)

// ErrNotFound means no editor root and no scroll container matched.
var ErrNotFound = errors.New("editor not found")

// Variant identifies the editor implementation that matched.
type Variant string

const (
	VariantUnknown Variant = ""
	VariantCM6     Variant = "cm6"
	VariantCM5     Variant = "cm5"
	VariantAce     Variant = "ace"
)

// Candidate is one selector tried for a role.
type Candidate struct {
	Selector string
	Variant  Variant
}

// RootCandidates lists editor root selectors in priority order.
var RootCandidates = []Candidate{
	{".cm-content", VariantCM6},
	{".CodeMirror-code", VariantCM5},
	{".ace_content", VariantAce},
}

// ScrollCandidates lists scroll container selectors in priority order.
var ScrollCandidates = []Candidate{
	{".cm-scroller", VariantCM6},
	{".CodeMirror-scroll", VariantCM5},
	{".ace_scroller", VariantAce},
}

// maxAncestorDepth bounds the overflow walk from the editor root.
const maxAncestorDepth = 32

// Overflow is the subset of layout state the ancestor walk needs.
type Overflow struct {
	ScrollHeight float64
	ClientHeight float64
	OverflowY    string
}

// Scrollable reports whether content overflows and overflow is not hidden.
func (o Overflow) Scrollable() bool {
	return o.ScrollHeight > o.ClientHeight && o.OverflowY != "hidden"
}

// Node is a handle to a live DOM element.
type Node interface {
	// Parent returns the parent element, or nil at the document root.
	Parent(ctx context.Context) (Node, error)
	Overflow(ctx context.Context) (Overflow, error)
	// Describe returns a short human label for logs.
	Describe() string
}

// DOM queries the live document. Query returns nil, nil on no match.
type DOM interface {
	Query(ctx context.Context, selector string) (Node, error)
}

// Handles is what Locate found. Either field may be nil.
type Handles struct {
	EditorRoot      Node
	RootSelector    string
	ScrollContainer Node
	ScrollSelector  string
	Variant         Variant
}

// Found reports whether anything matched.
func (h Handles) Found() bool {
	return h.EditorRoot != nil || h.ScrollContainer != nil
}

// Locate matches the editor root and scroll container independently.
func Locate(ctx context.Context, dom DOM) (Handles, error) {
	var h Handles

	for _, c := range RootCandidates {
		n, err := dom.Query(ctx, c.Selector)
		if err != nil {
			logging.LocatorDebug("query %s: %v", c.Selector, err)
			continue
		}
		if n != nil {
			h.EditorRoot, h.RootSelector, h.Variant = n, c.Selector, c.Variant
			break
		}
	}

	for _, c := range ScrollCandidates {
		n, err := dom.Query(ctx, c.Selector)
		if err != nil {
			logging.LocatorDebug("query %s: %v", c.Selector, err)
			continue
		}
		if n != nil {
			h.ScrollContainer, h.ScrollSelector = n, c.Selector
			if h.Variant == VariantUnknown {
				h.Variant = c.Variant
			}
			break
		}
	}

	if h.ScrollContainer == nil && h.EditorRoot != nil {
		if n := scrollableAncestor(ctx, h.EditorRoot); n != nil {
			h.ScrollContainer, h.ScrollSelector = n, "(ancestor)"
		}
	}

	if !h.Found() {
		return h, fmt.Errorf("locate: %w", ErrNotFound)
	}
	logging.Locator("editor root %s, scroll container %s, variant %q", h.RootSelector, h.ScrollSelector, h.Variant)
	return h, nil
}

func scrollableAncestor(ctx context.Context, from Node) Node {
	cur := from
	for depth := 0; depth < maxAncestorDepth; depth++ {
		parent, err := cur.Parent(ctx)
		if err != nil || parent == nil {
			return nil
		}
		ov, err := parent.Overflow(ctx)
		if err == nil && ov.Scrollable() {
			logging.LocatorDebug("scrollable ancestor %s at depth %d", parent.Describe(), depth+1)
			return parent
		}
		cur = parent
	}
	return nil
}

// Backoff is a fixed retry schedule.
type Backoff struct {
	Attempts int
	Interval time.Duration
}

// DefaultBackoff retries for about ten seconds.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 10, Interval: time.Second}
}

// LocateWithRetry retries Locate until something matches, attempts run out,
// or ctx is done. It returns the last ErrNotFound on exhaustion.
func LocateWithRetry(ctx context.Context, dom DOM, b Backoff) (Handles, error) {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		h, err := Locate(ctx, dom)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if attempt == b.Attempts {
			break
		}
		logging.LocatorDebug("editor not mounted yet (attempt %d/%d)", attempt, b.Attempts)
		t := time.NewTimer(b.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Handles{}, ctx.Err()
		case <-t.C:
		}
	}
	return Handles{}, lastErr
}
