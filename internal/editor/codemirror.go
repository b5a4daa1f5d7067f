package editor

import (
	"context"
	"fmt"

	"leafcap/internal/document"
)

const cm6Probe = `() => !!(window.__leafcap && window.__leafcap.view && window.__leafcap.view.state)`

const cm5Probe = `() => !!(window.__leafcap && window.__leafcap.cm && typeof window.__leafcap.cm.getValue === "function")`

type cursorJSON struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

func line(ctx context.Context, ev Evaluator, js string, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: %d", ErrLineRange, n)
	}
	var text *string
	if err := evalInto(ctx, ev, js, &text); err != nil {
		return "", err
	}
	if text == nil {
		return "", fmt.Errorf("%w: %d", ErrLineRange, n)
	}
	return *text, nil
}

// cm6 drives an EditorView. CodeMirror 6 numbers lines from 1.
type cm6 struct{ ev Evaluator }

func (c *cm6) Name() Name { return CM6 }

func (c *cm6) Cursor(ctx context.Context) (document.CursorPosition, error) {
	const js = `() => {
  const s = window.__leafcap.view.state;
  const head = s.selection.main.head;
  const l = s.doc.lineAt(head);
  return { line: l.number - 1, character: head - l.from };
}`
	var cur cursorJSON
	if err := evalInto(ctx, c.ev, js, &cur); err != nil {
		return document.CursorPosition{}, err
	}
	return document.CursorPosition{Line: cur.Line, Character: cur.Character}, nil
}

func (c *cm6) LineCount(ctx context.Context) (int, error) {
	var n int
	err := evalInto(ctx, c.ev, `() => window.__leafcap.view.state.doc.lines`, &n)
	return n, err
}

func (c *cm6) Line(ctx context.Context, n int) (string, error) {
	js := fmt.Sprintf(`() => {
  const d = window.__leafcap.view.state.doc;
  const n = %d + 1;
  return n >= 1 && n <= d.lines ? d.line(n).text : null;
}`, n)
	return line(ctx, c.ev, js, n)
}

func (c *cm6) ScrollToLine(ctx context.Context, n int) error {
	js := fmt.Sprintf(`() => {
  const v = window.__leafcap.view;
  const d = v.state.doc;
  const pos = d.line(Math.min(Math.max(%d + 1, 1), d.lines)).from;
  const scroll = v.constructor && v.constructor.scrollIntoView;
  if (typeof scroll === "function") {
    v.dispatch({ effects: scroll(pos, { y: "start" }) });
  } else {
    v.scrollDOM.scrollTop = v.lineBlockAt(pos).top;
  }
  return true;
}`, n)
	return evalInto(ctx, c.ev, js, nil)
}

func (c *cm6) FullText(ctx context.Context) (string, error) {
	var text string
	err := evalInto(ctx, c.ev, `() => window.__leafcap.view.state.doc.toString()`, &text)
	return text, err
}

// cm5 drives a CodeMirror 5 instance. Lines are zero-based natively.
type cm5 struct{ ev Evaluator }

func (c *cm5) Name() Name { return CM5 }

func (c *cm5) Cursor(ctx context.Context) (document.CursorPosition, error) {
	const js = `() => {
  const c = window.__leafcap.cm.getCursor();
  return { line: c.line, character: c.ch };
}`
	var cur cursorJSON
	if err := evalInto(ctx, c.ev, js, &cur); err != nil {
		return document.CursorPosition{}, err
	}
	return document.CursorPosition{Line: cur.Line, Character: cur.Character}, nil
}

func (c *cm5) LineCount(ctx context.Context) (int, error) {
	var n int
	err := evalInto(ctx, c.ev, `() => window.__leafcap.cm.lineCount()`, &n)
	return n, err
}

func (c *cm5) Line(ctx context.Context, n int) (string, error) {
	js := fmt.Sprintf(`() => {
  const v = window.__leafcap.cm.getLine(%d);
  return typeof v === "string" ? v : null;
}`, n)
	return line(ctx, c.ev, js, n)
}

func (c *cm5) ScrollToLine(ctx context.Context, n int) error {
	js := fmt.Sprintf(`() => {
  const cm = window.__leafcap.cm;
  const n = Math.min(Math.max(%d, 0), cm.lineCount() - 1);
  cm.scrollTo(null, cm.heightAtLine(n, "local"));
  return true;
}`, n)
	return evalInto(ctx, c.ev, js, nil)
}

func (c *cm5) FullText(ctx context.Context) (string, error) {
	var text string
	err := evalInto(ctx, c.ev, `() => window.__leafcap.cm.getValue()`, &text)
	return text, err
}
