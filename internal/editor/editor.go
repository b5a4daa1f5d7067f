// Package editor reads and drives the live editor through its in-page API.
//
// Three adapters exist: the Overleaf host document API, CodeMirror 6 and
// CodeMirror 5. The CodeMirror adapters use the instance the bridge script
// exposed as window.__leafcap.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"leafcap/internal/document"
	"leafcap/internal/logging"
)

var (
	// ErrNoEditor is returned by Detect when no adapter binds.
	ErrNoEditor = errors.New("no editor instance available")
	// ErrUnsupported is returned by operations an adapter cannot serve.
	ErrUnsupported = errors.New("operation not supported by editor adapter")
	// ErrLineRange is returned for line indices outside the document.
	ErrLineRange = errors.New("line out of range")
)

// Name identifies an adapter.
type Name string

const (
	Overleaf Name = "overleaf"
	CM6      Name = "cm6"
	CM5      Name = "cm5"
)

// Evaluator runs a JS function expression in the page and returns its result as JSON.
type Evaluator interface {
	Eval(ctx context.Context, js string) ([]byte, error)
}

// Access is the editor surface used by capture and cursor tracking.
// Lines are zero-based.
type Access interface {
	Name() Name
	Cursor(ctx context.Context) (document.CursorPosition, error)
	LineCount(ctx context.Context) (int, error)
	Line(ctx context.Context, n int) (string, error)
	ScrollToLine(ctx context.Context, n int) error
	FullText(ctx context.Context) (string, error)
}

func evalInto(ctx context.Context, ev Evaluator, js string, out any) error {
	raw, err := ev.Eval(ctx, js)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}

func probe(ctx context.Context, ev Evaluator, js string) bool {
	var ok bool
	if err := evalInto(ctx, ev, js, &ok); err != nil {
		logging.BrowserDebug("editor probe failed: %v", err)
		return false
	}
	return ok
}

// Detect returns the first adapter that binds, trying overleaf, cm6 and cm5 in order.
// The overleaf adapter delegates cursor and line operations to a bound
// CodeMirror adapter when one is available.
func Detect(ctx context.Context, ev Evaluator) (Access, error) {
	var view Access
	switch {
	case probe(ctx, ev, cm6Probe):
		view = &cm6{ev: ev}
	case probe(ctx, ev, cm5Probe):
		view = &cm5{ev: ev}
	}

	if probe(ctx, ev, overleafProbe) {
		logging.BrowserDebug("editor adapter: overleaf (view=%v)", view != nil)
		return &overleaf{ev: ev, view: view}, nil
	}
	if view != nil {
		logging.BrowserDebug("editor adapter: %s", view.Name())
		return view, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoEditor
}

// ForName builds a specific adapter without probing.
func ForName(name Name, ev Evaluator) (Access, error) {
	switch name {
	case Overleaf:
		return &overleaf{ev: ev}, nil
	case CM6:
		return &cm6{ev: ev}, nil
	case CM5:
		return &cm5{ev: ev}, nil
	default:
		return nil, fmt.Errorf("unknown editor adapter %q", name)
	}
}
