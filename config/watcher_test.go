package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(ev FileEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ops() []FileOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileOp, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Op
	}
	return out
}

// writeFile replaces path atomically so a poll never sees a partial write.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0644))
	require.NoError(t, os.Rename(tmp, path))
}

func newTestWatcher(t *testing.T, paths ...string) (*FileWatcher, *eventRecorder) {
	t.Helper()
	w, err := NewFileWatcher(paths,
		WithPollInterval(5*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	return w, rec
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "key: val")

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestFileWatcher_StartStop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	w, _ := newTestWatcher(t, f)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.ErrorIs(t, w.Start(context.Background()), ErrWatcherRunning)

	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}

func TestFileWatcher_DetectsLifecycle(t *testing.T) {
	f := filepath.Join(t.TempDir(), "mappings.yaml")
	w, rec := newTestWatcher(t, f)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "a: 1")
	assert.Eventually(t, func() bool { return len(rec.ops()) == 1 }, time.Second, 5*time.Millisecond)

	writeFile(t, f, "a: 2")
	assert.Eventually(t, func() bool { return len(rec.ops()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(f))
	assert.Eventually(t, func() bool { return len(rec.ops()) == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []FileOp{FileOpCreate, FileOpWrite, FileOpRemove}, rec.ops())
}

func TestFileWatcher_IgnoresUnchangedContent(t *testing.T) {
	f := filepath.Join(t.TempDir(), "mappings.yaml")
	writeFile(t, f, "same")
	w, rec := newTestWatcher(t, f)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "same")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.ops())
}

func TestFileWatcher_CallbackPanicIsContained(t *testing.T) {
	f := filepath.Join(t.TempDir(), "mappings.yaml")
	w, rec := newTestWatcher(t, f)
	w.OnChange(func(FileEvent) { panic("boom") })
	second := &eventRecorder{}
	w.OnChange(second.record)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "x")
	assert.Eventually(t, func() bool { return len(second.ops()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.ops(), 1)
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
