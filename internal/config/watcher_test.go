package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := DefaultPath(t.TempDir())
	require.NoError(t, DefaultConfig().Save(path))

	var got atomic.Pointer[Config]
	w, err := NewWatcher(path, func(c *Config) { got.Store(c) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.Capture.Overlap = 0.45
	require.NoError(t, cfg.Save(path))

	require.Eventually(t, func() bool {
		c := got.Load()
		return c != nil && c.Capture.Overlap == 0.45
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_SkipsInvalidEdits(t *testing.T) {
	path := DefaultPath(t.TempDir())
	require.NoError(t, DefaultConfig().Save(path))

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*Config) { calls.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("capture:\n  overlap: 3\n"), 0644))
	// An unrelated file in the same directory is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1\n"), 0644))

	time.Sleep(600 * time.Millisecond)
	w.Stop()
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, 0, w.Reloads())
}
