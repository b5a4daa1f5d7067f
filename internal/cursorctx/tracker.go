package cursorctx

import (
	"context"
	"sync"
	"time"

	"leafcap/internal/document"
	"leafcap/internal/logging"
)

// Tracker schedules captures: a debounce after cursor activity, a forced
// full refresh after inactivity, and a periodic poll that captures when the
// cursor moved.
type Tracker struct {
	svc *Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopped    bool
	debounce   *time.Timer
	inactivity *time.Timer
	last       document.CursorPosition
	hasLast    bool

	reported    document.CursorPosition
	hasReported bool
}

// NewTracker creates a stopped tracker for svc.
func NewTracker(svc *Service) *Tracker {
	return &Tracker{svc: svc}
}

// Start runs an initial full capture and begins polling. It is a no-op
// after the first call.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)

	opts := t.svc.Options()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.capture(true)

		ticker := time.NewTicker(opts.Poll)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.check()
			}
		}
	}()
}

// Activity reports cursor activity. It restarts the debounce and
// inactivity timers.
func (t *Tracker) Activity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activityLocked()
}

// CursorReport records a reported cursor position. Only a position that
// differs from the previous report counts as activity, so periodic
// reports of a resting cursor let the inactivity refresh fire.
func (t *Tracker) CursorReport(pos document.CursorPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasReported && pos == t.reported {
		return
	}
	t.reported, t.hasReported = pos, true
	t.activityLocked()
}

func (t *Tracker) activityLocked() {
	if !t.started || t.stopped {
		return
	}
	opts := t.svc.Options()

	if t.inactivity != nil {
		t.inactivity.Stop()
	}
	t.inactivity = time.AfterFunc(opts.FullRefresh, func() { t.fire(true) })

	if t.debounce != nil {
		t.debounce.Stop()
	}
	t.debounce = time.AfterFunc(opts.Debounce, func() { t.fire(false) })
}

// Stop cancels all scheduled work and waits for running captures.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.debounce != nil {
		t.debounce.Stop()
	}
	if t.inactivity != nil {
		t.inactivity.Stop()
	}
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// fire runs a timer callback unless the tracker stopped.
func (t *Tracker) fire(force bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	if force {
		logging.CursorDebug("cursor inactivity, forcing full refresh")
	}
	t.capture(force)
}

// check is the poll step.
func (t *Tracker) check() {
	if t.svc.inFlight.Load() {
		return
	}
	pos := t.svc.Cursor()
	t.mu.Lock()
	moved := !t.hasLast || pos != t.last
	t.mu.Unlock()

	full := t.svc.NeedsFullRefresh()
	if moved || full {
		t.capture(full)
	}
}

func (t *Tracker) capture(force bool) {
	cc, err := t.svc.Capture(t.ctx, force)
	if err != nil {
		if t.ctx.Err() == nil {
			logging.CursorError("capture context: %v", err)
		}
		return
	}
	if cc == nil {
		return
	}
	t.mu.Lock()
	t.last, t.hasLast = cc.Position, true
	t.mu.Unlock()
}
