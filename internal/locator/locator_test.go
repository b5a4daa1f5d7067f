package locator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	name     string
	parent   *fakeNode
	overflow Overflow
}

func (n *fakeNode) Parent(context.Context) (Node, error) {
	if n.parent == nil {
		return nil, nil
	}
	return n.parent, nil
}

func (n *fakeNode) Overflow(context.Context) (Overflow, error) { return n.overflow, nil }
func (n *fakeNode) Describe() string                           { return n.name }

type fakeDOM struct {
	nodes   map[string]*fakeNode
	queries atomic.Int32
}

func (d *fakeDOM) Query(_ context.Context, sel string) (Node, error) {
	d.queries.Add(1)
	if n, ok := d.nodes[sel]; ok {
		return n, nil
	}
	return nil, nil
}

func TestLocateCM6(t *testing.T) {
	root := &fakeNode{name: "content"}
	scroller := &fakeNode{name: "scroller"}
	dom := &fakeDOM{nodes: map[string]*fakeNode{".cm-content": root, ".cm-scroller": scroller}}

	h, err := Locate(context.Background(), dom)
	require.NoError(t, err)
	assert.Same(t, root, h.EditorRoot)
	assert.Same(t, scroller, h.ScrollContainer)
	assert.Equal(t, VariantCM6, h.Variant)
}

func TestLocateRolesAreIndependent(t *testing.T) {
	scroller := &fakeNode{name: "scroll"}
	dom := &fakeDOM{nodes: map[string]*fakeNode{".CodeMirror-scroll": scroller}}

	h, err := Locate(context.Background(), dom)
	require.NoError(t, err)
	assert.Nil(t, h.EditorRoot)
	assert.Same(t, scroller, h.ScrollContainer)
	assert.Equal(t, VariantCM5, h.Variant)
}

func TestLocateWalksAncestors(t *testing.T) {
	body := &fakeNode{name: "body", overflow: Overflow{ScrollHeight: 5000, ClientHeight: 800, OverflowY: "visible"}}
	hidden := &fakeNode{name: "hidden", parent: body, overflow: Overflow{ScrollHeight: 5000, ClientHeight: 800, OverflowY: "hidden"}}
	fits := &fakeNode{name: "fits", parent: hidden, overflow: Overflow{ScrollHeight: 800, ClientHeight: 800, OverflowY: "auto"}}
	root := &fakeNode{name: "root", parent: fits}
	dom := &fakeDOM{nodes: map[string]*fakeNode{".cm-content": root}}

	h, err := Locate(context.Background(), dom)
	require.NoError(t, err)
	assert.Same(t, body, h.ScrollContainer, "skips non-overflowing and overflow:hidden ancestors")
	assert.Equal(t, "(ancestor)", h.ScrollSelector)
}

func TestLocateNotFound(t *testing.T) {
	h, err := Locate(context.Background(), &fakeDOM{})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, h.Found())
}

func TestLocateWithRetryExhausts(t *testing.T) {
	dom := &fakeDOM{}
	_, err := LocateWithRetry(context.Background(), dom, Backoff{Attempts: 3, Interval: time.Millisecond})
	assert.True(t, errors.Is(err, ErrNotFound))
	// Three root and three scroll selectors per attempt.
	assert.Equal(t, int32(3*6), dom.queries.Load())
}

func TestLocateWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LocateWithRetry(ctx, &fakeDOM{}, Backoff{Attempts: 5, Interval: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
}
