package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leafcap/internal/extract"
	"leafcap/internal/logging"
	"leafcap/internal/reconcile"
)

var (
	errNoEditor   = errors.New("no editor adapter")
	errNoViewport = errors.New("no viewport")
	errNoScroller = errors.New("no scroll container")
	errNoPrompter = errors.New("manual capture disabled")
)

// direct asks the editor for its full text.
func (e *Engine) direct(ctx context.Context, _ Options) (string, error) {
	if e.deps.Editor == nil {
		return "", errNoEditor
	}
	acc, err := e.deps.Editor(ctx)
	if err != nil {
		return "", err
	}
	return acc.FullText(ctx)
}

// instrumented scrolls line by line through the editor API and stitches
// the rendered viewports. Positioning falls back to a proportional pixel
// offset when the adapter cannot scroll.
func (e *Engine) instrumented(ctx context.Context, opts Options) (string, error) {
	if e.deps.Editor == nil {
		return "", errNoEditor
	}
	if e.deps.Viewport == nil {
		return "", errNoViewport
	}
	acc, err := e.deps.Editor(ctx)
	if err != nil {
		return "", err
	}
	total, err := acc.LineCount(ctx)
	if err != nil {
		return "", fmt.Errorf("line count: %w", err)
	}
	if total <= 0 {
		return "", ErrEmpty
	}

	restore := e.saveScroll(ctx)
	defer restore()

	goTo := func(line int) error {
		err := acc.ScrollToLine(ctx, line)
		if err == nil || e.deps.Scroller == nil {
			return err
		}
		m, merr := e.deps.Scroller.Metrics(ctx)
		if merr != nil {
			return errors.Join(err, merr)
		}
		return e.deps.Scroller.ScrollTo(ctx, m.ScrollHeight*float64(line)/float64(total))
	}

	if err := goTo(0); err != nil {
		return "", fmt.Errorf("scroll to top: %w", err)
	}
	if err := settle(ctx, opts.Settle); err != nil {
		return "", err
	}
	first, err := e.visible(ctx)
	if err != nil {
		return "", err
	}
	rec := reconcile.New(stitchOptions(opts.Reconcile, len(first)))
	rec.Add(0, first)

	step := lineStep(len(first), opts.Overlap)
	steps := 1
	for line := step; line < total && steps < opts.MaxSteps; line += step {
		if err := goTo(line); err != nil {
			return "", fmt.Errorf("scroll to line %d: %w", line, err)
		}
		if err := settle(ctx, opts.Settle); err != nil {
			return "", err
		}
		lines, err := e.visible(ctx)
		if err != nil {
			return "", err
		}
		rec.Add(float64(line), lines)
		steps++
	}
	logging.CaptureDebug("instrumented capture: %d lines, %d steps of %d", total, steps, step)
	return strings.Join(rec.Lines(true), "\n"), nil
}

// generic steps the scroll container by pixels.
func (e *Engine) generic(ctx context.Context, opts Options) (string, error) {
	if e.deps.Scroller == nil {
		return "", errNoScroller
	}
	if e.deps.Viewport == nil {
		return "", errNoViewport
	}
	m, err := e.deps.Scroller.Metrics(ctx)
	if err != nil {
		return "", err
	}
	if m.ClientHeight <= 0 {
		return "", errors.New("scroll container has no height")
	}

	restore := e.saveScroll(ctx)
	defer restore()

	if err := e.deps.Scroller.ScrollTo(ctx, 0); err != nil {
		return "", err
	}
	if err := settle(ctx, opts.Settle); err != nil {
		return "", err
	}
	first, err := e.visible(ctx)
	if err != nil {
		return "", err
	}
	rec := reconcile.New(stitchOptions(opts.Reconcile, len(first)))
	rec.Add(0, first)

	step := m.ClientHeight * (1 - opts.Overlap)
	limit := m.ScrollHeight
	steps := 1
	for pos := step; pos < limit && steps < opts.MaxSteps; pos += step {
		if err := e.deps.Scroller.ScrollTo(ctx, pos); err != nil {
			return "", err
		}
		if err := settle(ctx, opts.Settle); err != nil {
			return "", err
		}
		lines, err := e.visible(ctx)
		if err != nil {
			return "", err
		}
		rec.Add(pos, lines)
		steps++

		cur, err := e.deps.Scroller.Metrics(ctx)
		if err != nil {
			return "", err
		}
		// Measured heights replace estimates as the editor renders.
		limit = cur.ScrollHeight
		if cur.ScrollTop+cur.ClientHeight >= cur.ScrollHeight {
			break
		}
	}
	logging.CaptureDebug("generic capture: %d steps of %.0fpx", steps, step)
	return strings.Join(rec.Lines(false), "\n"), nil
}

func (e *Engine) manual(ctx context.Context, _ Options) (string, error) {
	if e.deps.Manual == nil {
		return "", errNoPrompter
	}
	text, err := e.deps.Manual.Prompt(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func (e *Engine) visible(ctx context.Context) ([]string, error) {
	raw, err := e.deps.Viewport.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read viewport: %w", err)
	}
	return extract.VisibleTexts(raw)
}

// saveScroll records the current offset and returns a func restoring it.
func (e *Engine) saveScroll(ctx context.Context) func() {
	if e.deps.Scroller == nil {
		return func() {}
	}
	m, err := e.deps.Scroller.Metrics(ctx)
	if err != nil {
		logging.CaptureWarn("could not read scroll offset: %v", err)
		return func() {}
	}
	return func() {
		if err := e.deps.Scroller.ScrollTo(context.WithoutCancel(ctx), m.ScrollTop); err != nil {
			logging.CaptureWarn("could not restore scroll offset: %v", err)
		}
	}
}

func lineStep(visible int, overlap float64) int {
	n := int(float64(visible) * (1 - overlap))
	if n < 1 {
		return 1
	}
	return n
}

// stitchOptions widens the overlap window to a full viewport so that the
// configured step overlap is always found.
func stitchOptions(o reconcile.Options, visible int) reconcile.Options {
	if visible > o.OverlapWindow {
		o.OverlapWindow = visible
	}
	return o
}
