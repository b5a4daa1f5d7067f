package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"leafcap/internal/capture"
	"leafcap/internal/locator"
	"leafcap/internal/logging"
)

// Tab adapts a rod page to the DOM, evaluator, viewport, scroller and
// bridge interfaces. Editor handles are located lazily and re-located
// once they leave the document.
type Tab struct {
	page    *rod.Page
	backoff locator.Backoff

	mu      sync.Mutex
	handles locator.Handles
}

// NewTab wraps page.
func NewTab(page *rod.Page, backoff locator.Backoff) *Tab {
	return &Tab{page: page, backoff: backoff}
}

// RodPage returns the wrapped page.
func (t *Tab) RodPage() *rod.Page { return t.page }

// element is a live DOM element handle.
type element struct {
	el   *rod.Element
	desc string
}

func (e *element) Describe() string { return e.desc }

func (e *element) Parent(ctx context.Context) (locator.Node, error) {
	el := e.el.Context(ctx)
	res, err := el.Eval(`() => this.parentElement !== null`)
	if err != nil {
		return nil, err
	}
	if !res.Value.Bool() {
		return nil, nil
	}
	parent, err := el.Parent()
	if err != nil {
		return nil, err
	}
	return &element{el: parent, desc: e.desc + " > parent"}, nil
}

func (e *element) Overflow(ctx context.Context) (locator.Overflow, error) {
	var o struct {
		ScrollHeight float64 `json:"scrollHeight"`
		ClientHeight float64 `json:"clientHeight"`
		OverflowY    string  `json:"overflowY"`
	}
	err := evalElement(ctx, e.el, `() => ({
  scrollHeight: this.scrollHeight,
  clientHeight: this.clientHeight,
  overflowY: getComputedStyle(this).overflowY,
})`, &o)
	if err != nil {
		return locator.Overflow{}, err
	}
	return locator.Overflow{ScrollHeight: o.ScrollHeight, ClientHeight: o.ClientHeight, OverflowY: o.OverflowY}, nil
}

func (e *element) connected(ctx context.Context) bool {
	res, err := e.el.Context(ctx).Eval(`() => this.isConnected`)
	return err == nil && res.Value.Bool()
}

func evalElement(ctx context.Context, el *rod.Element, js string, out any, args ...any) error {
	res, err := el.Context(ctx).Eval(js, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Query implements locator.DOM without waiting for the selector to appear.
func (t *Tab) Query(ctx context.Context, selector string) (locator.Node, error) {
	has, el, err := t.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	return &element{el: el, desc: selector}, nil
}

// Handles returns the located editor handles, locating again when the
// cached root was detached.
func (t *Tab) Handles(ctx context.Context) (locator.Handles, error) {
	t.mu.Lock()
	h := t.handles
	t.mu.Unlock()

	if h.Found() {
		if n, ok := h.EditorRoot.(*element); ok && n.connected(ctx) {
			return h, nil
		}
		if h.EditorRoot == nil {
			if n, ok := h.ScrollContainer.(*element); ok && n.connected(ctx) {
				return h, nil
			}
		}
		logging.LocatorDebug("editor handles detached, locating again")
	}

	h, err := locator.LocateWithRetry(ctx, t, t.backoff)
	if err != nil {
		return h, err
	}
	t.mu.Lock()
	t.handles = h
	t.mu.Unlock()
	return h, nil
}

func (t *Tab) root(ctx context.Context) (*element, error) {
	h, err := t.Handles(ctx)
	if err != nil {
		return nil, err
	}
	n, ok := h.EditorRoot.(*element)
	if !ok {
		return nil, fmt.Errorf("editor root: %w", locator.ErrNotFound)
	}
	return n, nil
}

func (t *Tab) scroller(ctx context.Context) (*element, error) {
	h, err := t.Handles(ctx)
	if err != nil {
		return nil, err
	}
	n, ok := h.ScrollContainer.(*element)
	if !ok {
		return nil, fmt.Errorf("scroll container: %w", locator.ErrNotFound)
	}
	return n, nil
}

// HTML implements capture.Viewport.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	n, err := t.root(ctx)
	if err != nil {
		return "", err
	}
	return n.el.Context(ctx).HTML()
}

// Metrics implements capture.Scroller.
func (t *Tab) Metrics(ctx context.Context) (capture.Metrics, error) {
	n, err := t.scroller(ctx)
	if err != nil {
		return capture.Metrics{}, err
	}
	var m struct {
		ScrollTop    float64 `json:"scrollTop"`
		ScrollHeight float64 `json:"scrollHeight"`
		ClientHeight float64 `json:"clientHeight"`
	}
	err = evalElement(ctx, n.el, `() => ({
  scrollTop: this.scrollTop,
  scrollHeight: this.scrollHeight,
  clientHeight: this.clientHeight,
})`, &m)
	if err != nil {
		return capture.Metrics{}, err
	}
	return capture.Metrics{ScrollTop: m.ScrollTop, ScrollHeight: m.ScrollHeight, ClientHeight: m.ClientHeight}, nil
}

// ScrollTo implements capture.Scroller.
func (t *Tab) ScrollTo(ctx context.Context, top float64) error {
	n, err := t.scroller(ctx)
	if err != nil {
		return err
	}
	return evalElement(ctx, n.el, `(top) => { this.scrollTop = top; }`, nil, top)
}

// Eval implements editor.Evaluator. js is a function expression.
func (t *Tab) Eval(ctx context.Context, js string) ([]byte, error) {
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("empty eval result")
	}
	return res.Value.MarshalJSON()
}

// Exec implements bridge.Page.
func (t *Tab) Exec(ctx context.Context, js string) error {
	_, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      "() => {\n" + js + "\n}",
		ByValue: true,
	})
	return err
}

// EvalOnNewDocument implements bridge.Page.
func (t *Tab) EvalOnNewDocument(ctx context.Context, js string) error {
	_, err := t.page.Context(ctx).EvalOnNewDocument(js)
	return err
}

// Bind implements bridge.Page with a CDP runtime binding. The binding
// survives navigations.
func (t *Tab) Bind(ctx context.Context, name string, fn func(payload string)) (func(), error) {
	if err := (proto.RuntimeEnable{}).Call(t.page); err != nil {
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: name}).Call(t.page); err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	wait := t.page.Context(bctx).EachEvent(func(ev *proto.RuntimeBindingCalled) {
		if ev.Name == name {
			fn(ev.Payload)
		}
	})
	go wait()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = proto.RuntimeRemoveBinding{Name: name}.Call(t.page)
		})
	}, nil
}
