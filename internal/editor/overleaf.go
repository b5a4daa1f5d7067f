package editor

import (
	"context"

	"leafcap/internal/document"
	"leafcap/internal/logging"
)

const overleafProbe = `() => {
  const ide = window._ide;
  return !!(ide && ide.editorManager && typeof ide.editorManager.getCurrentDocValue === "function");
}`

const overleafFullText = `() => {
  const v = window._ide.editorManager.getCurrentDocValue();
  return typeof v === "string" ? v : "";
}`

type overleaf struct {
	ev   Evaluator
	view Access
}

func (o *overleaf) Name() Name { return Overleaf }

func (o *overleaf) FullText(ctx context.Context) (string, error) {
	var text string
	if err := evalInto(ctx, o.ev, overleafFullText, &text); err != nil {
		if o.view == nil {
			return "", err
		}
		logging.BrowserDebug("overleaf full text failed, using %s view: %v", o.view.Name(), err)
		return o.view.FullText(ctx)
	}
	if text == "" && o.view != nil {
		return o.view.FullText(ctx)
	}
	return text, nil
}

func (o *overleaf) Cursor(ctx context.Context) (document.CursorPosition, error) {
	if o.view == nil {
		return document.CursorPosition{}, ErrUnsupported
	}
	return o.view.Cursor(ctx)
}

func (o *overleaf) LineCount(ctx context.Context) (int, error) {
	if o.view == nil {
		return 0, ErrUnsupported
	}
	return o.view.LineCount(ctx)
}

func (o *overleaf) Line(ctx context.Context, n int) (string, error) {
	if o.view == nil {
		return "", ErrUnsupported
	}
	return o.view.Line(ctx, n)
}

func (o *overleaf) ScrollToLine(ctx context.Context, n int) error {
	if o.view == nil {
		return ErrUnsupported
	}
	return o.view.ScrollToLine(ctx, n)
}
