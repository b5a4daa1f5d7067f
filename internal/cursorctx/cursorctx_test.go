package cursorctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leafcap/internal/cache"
	"leafcap/internal/document"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCursor struct {
	mu   sync.Mutex
	pos  document.CursorPosition
	ok   bool
	line string
}

func (f *fakeCursor) Cursor() (document.CursorPosition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, f.ok
}

func (f *fakeCursor) CurrentLine() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.line
}

func (f *fakeCursor) set(line, ch int, text string) {
	f.mu.Lock()
	f.pos, f.ok, f.line = document.CursorPosition{Line: line, Character: ch}, true, text
	f.mu.Unlock()
}

type fakeReader struct {
	text  string
	calls atomic.Int32
	block chan struct{}
}

func (f *fakeReader) Capture(ctx context.Context, force bool) string {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ""
		}
	}
	return f.text
}

func numberedDoc(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	return strings.Join(lines, "\n")
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name                       string
		line, count, before, after int
		start, end                 int
	}{
		{"clamped at start", 5, 100, 10, 5, 0, 10},
		{"clamped at end", 98, 100, 10, 5, 88, 99},
		{"middle", 50, 100, 10, 5, 40, 55},
		{"single line", 0, 1, 10, 5, 0, 0},
		{"empty document", 0, 0, 10, 5, 0, -1},
		{"zero window", 7, 20, 0, 0, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := Window(tt.line, tt.count, tt.before, tt.after)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestCaptureRunsFullReadWithoutCache(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	reader := &fakeReader{text: numberedDoc(100)}
	cur := &fakeCursor{}
	cur.set(5, 2, "line 5")
	svc := New(Deps{Cursor: cur, Reader: reader, Cache: c}, DefaultOptions())

	cc, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Equal(t, int32(1), reader.calls.Load())
	assert.Equal(t, document.LineRange{Start: 0, End: 10}, cc.Range)
	assert.Len(t, cc.LinesBefore, 5)
	assert.Equal(t, "line 5", cc.CurrentLine)
	assert.Equal(t, []string{"line 6", "line 7", "line 8", "line 9", "line 10"}, cc.LinesAfter)
	assert.Len(t, cc.Window(), 11)
	assert.Equal(t, 1, c.Version(), "unchanged window is a no-op partial update")
}

func TestCaptureFeedsLiveLineToCache(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent(numberedDoc(20), time.Now()))
	cur := &fakeCursor{}
	cur.set(3, 4, "line 3 edited")
	svc := New(Deps{Cursor: cur, Cache: c}, DefaultOptions())

	var got []document.CursorContext
	svc.OnContext(func(cc document.CursorContext) { got = append(got, cc) })

	cc, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "line 3 edited", cc.CurrentLine)
	assert.Equal(t, 2, c.Version())
	assert.Equal(t, "line 3 edited", c.Lines()[3])
	require.Len(t, got, 1)
	assert.Equal(t, document.CursorPosition{Line: 3, Character: 4}, got[0].Position)
}

func TestCaptureWithoutCursorUsesOrigin(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent(numberedDoc(30), time.Now()))
	svc := New(Deps{Cache: c}, DefaultOptions())

	cc, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, document.CursorPosition{}, cc.Position)
	assert.Empty(t, cc.LinesBefore)
	assert.Equal(t, "line 0", cc.CurrentLine)
	assert.Equal(t, document.LineRange{Start: 0, End: 5}, cc.Range)
}

func TestCaptureClampsCursorPastEnd(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent(numberedDoc(10), time.Now()))
	cur := &fakeCursor{}
	cur.set(40, 0, "new line")
	svc := New(Deps{Cursor: cur, Cache: c}, DefaultOptions())

	cc, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "line 9", cc.CurrentLine, "live line is not applied to a clamped position")
	assert.Equal(t, document.LineRange{Start: 0, End: 9}, cc.Range)
	assert.Equal(t, 1, c.Version())
}

func TestFullRefreshInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	copts := cache.DefaultOptions()
	copts.Now = clock
	c := cache.New(copts)
	reader := &fakeReader{text: numberedDoc(20)}
	svc := New(Deps{Reader: reader, Cache: c, Now: clock}, DefaultOptions())

	_, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	_, err = svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reader.calls.Load())

	advance(31 * time.Second)
	assert.True(t, svc.NeedsFullRefresh())
	_, err = svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.calls.Load())

	_, err = svc.Capture(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), reader.calls.Load())
}

func TestCaptureNoDocument(t *testing.T) {
	svc := New(Deps{Reader: &fakeReader{}, Cache: cache.New(cache.DefaultOptions())}, DefaultOptions())
	_, err := svc.Capture(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestConcurrentCaptureIsDropped(t *testing.T) {
	reader := &fakeReader{text: "a\nb", block: make(chan struct{})}
	svc := New(Deps{Reader: reader, Cache: cache.New(cache.DefaultOptions())}, DefaultOptions())

	done := make(chan *document.CursorContext)
	go func() {
		cc, _ := svc.Capture(context.Background(), true)
		done <- cc
	}()
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)

	cc, err := svc.Capture(context.Background(), true)
	assert.NoError(t, err)
	assert.Nil(t, cc)

	close(reader.block)
	assert.NotNil(t, <-done)
}

func TestListenerPanicIsRecovered(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent("only", time.Now()))
	svc := New(Deps{Cache: c}, DefaultOptions())
	svc.OnContext(func(document.CursorContext) { panic("boom") })
	var n int
	unsub := svc.OnContext(func(document.CursorContext) { n++ })

	_, err := svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unsub()
	_, err = svc.Capture(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func trackerOptions() Options {
	return Options{
		Before:      2,
		After:       2,
		Debounce:    10 * time.Millisecond,
		FullRefresh: time.Hour,
		Poll:        5 * time.Millisecond,
	}
}

func TestTrackerInitialCaptureAndPoll(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	reader := &fakeReader{text: numberedDoc(50)}
	cur := &fakeCursor{}
	cur.set(10, 0, "line 10")
	svc := New(Deps{Cursor: cur, Reader: reader, Cache: c}, trackerOptions())

	var mu sync.Mutex
	var lines []int
	svc.OnContext(func(cc document.CursorContext) {
		mu.Lock()
		lines = append(lines, cc.Position.Line)
		mu.Unlock()
	})

	tr := NewTracker(svc)
	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) >= 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), reader.calls.Load(), "initial capture forces one full read")

	cur.set(30, 1, "line 30")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lines[len(lines)-1] == 30
	}, time.Second, time.Millisecond)
}

func TestTrackerActivityDebounces(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent(numberedDoc(10), time.Now()))
	opts := trackerOptions()
	opts.Poll = time.Hour
	svc := New(Deps{Reader: &fakeReader{text: numberedDoc(10)}, Cache: c}, opts)

	var count atomic.Int32
	svc.OnContext(func(document.CursorContext) { count.Add(1) })

	tr := NewTracker(svc)
	tr.Start(context.Background())
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		tr.Activity()
	}
	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load(), "a burst of activity yields one capture")

	tr.Stop()
	tr.Activity()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func TestTrackerInactivityForcesRefresh(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	reader := &fakeReader{text: numberedDoc(10)}
	opts := trackerOptions()
	opts.Poll = time.Hour
	opts.Debounce = time.Hour
	opts.FullRefresh = 20 * time.Millisecond
	svc := New(Deps{Reader: reader, Cache: c}, opts)

	tr := NewTracker(svc)
	tr.Start(context.Background())
	defer tr.Stop()
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)

	tr.Activity()
	require.Eventually(t, func() bool { return reader.calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestTrackerRestingCursorReportsLetInactivityFire(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	reader := &fakeReader{text: numberedDoc(10)}
	opts := trackerOptions()
	opts.Poll = time.Hour
	opts.Debounce = time.Hour
	opts.FullRefresh = 40 * time.Millisecond
	svc := New(Deps{Reader: reader, Cache: c}, opts)

	tr := NewTracker(svc)
	tr.Start(context.Background())
	defer tr.Stop()
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)

	resting := document.CursorPosition{Line: 3, Character: 2}
	tr.CursorReport(resting)
	// Same-position reports arrive far more often than FullRefresh.
	require.Eventually(t, func() bool {
		tr.CursorReport(resting)
		return reader.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerCursorReportMovementDebounces(t *testing.T) {
	c := cache.New(cache.DefaultOptions())
	c.UpdateFull(document.NewContent(numberedDoc(10), time.Now()))
	opts := trackerOptions()
	opts.Poll = time.Hour
	svc := New(Deps{Reader: &fakeReader{text: numberedDoc(10)}, Cache: c}, opts)

	var count atomic.Int32
	svc.OnContext(func(document.CursorContext) { count.Add(1) })

	tr := NewTracker(svc)
	tr.Start(context.Background())
	defer tr.Stop()
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	tr.CursorReport(document.CursorPosition{Line: 1})
	tr.CursorReport(document.CursorPosition{Line: 2})
	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		tr.CursorReport(document.CursorPosition{Line: 2})
	}
	time.Sleep(3 * opts.Debounce)
	assert.Equal(t, int32(2), count.Load(), "unchanged reports schedule no capture")
}

func TestTrackerStopIsIdempotent(t *testing.T) {
	svc := New(Deps{Cache: cache.New(cache.DefaultOptions())}, trackerOptions())
	tr := NewTracker(svc)
	tr.Stop()
	tr.Start(context.Background())
	tr.Stop()
}
