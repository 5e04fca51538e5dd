// 配置文件变更监听器实现。
//
// 基于轮询比较修改时间与内容摘要，防抖后触发回调。
package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWatcherRunning 表示监听器已在运行
var ErrWatcherRunning = errors.New("watcher already running")

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithPollInterval sets how often files are checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

type fileState struct {
	digest [sha256.Size]byte
}

// FileWatcher polls files and reports content changes.
type FileWatcher struct {
	mu            sync.Mutex
	paths         []string
	states        map[string]fileState
	callbacks     []func(FileEvent)
	debounceDelay time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewFileWatcher creates a watcher for paths. Missing files are watched for
// creation.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		states:        make(map[string]fileState),
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Paths returns the watched absolute paths
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// Start snapshots the current files and begins polling.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWatcherRunning
	}
	for _, p := range w.paths {
		if st, ok := readState(p); ok {
			w.states[p] = st
		}
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			for _, ev := range w.check() {
				// a write right after a create is still a create
				if prev, ok := pending[ev.Path]; ok && prev.Op == FileOpCreate && ev.Op == FileOpWrite {
					ev.Op = FileOpCreate
				}
				pending[ev.Path] = ev
			}
			if len(pending) > 0 && debounce == nil {
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			debounce = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// check compares every path with its last known state.
func (w *FileWatcher) check() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, p := range w.paths {
		prev, known := w.states[p]
		cur, exists := readState(p)
		switch {
		case !exists && known:
			delete(w.states, p)
			events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
		case exists && !known:
			w.states[p] = cur
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Timestamp: now})
		case exists && cur.digest != prev.digest:
			w.states[p] = cur
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Timestamp: now})
		case exists:
			w.states[p] = cur
		}
	}
	return events
}

func (w *FileWatcher) dispatch(pending map[string]FileEvent) {
	w.mu.Lock()
	callbacks := append(([]func(FileEvent))(nil), w.callbacks...)
	w.mu.Unlock()

	for _, ev := range pending {
		w.logger.Debug("dispatching file event",
			zap.String("path", ev.Path),
			zap.String("op", ev.Op.String()))
		for _, cb := range callbacks {
			w.safeCall(cb, ev)
		}
	}
}

func (w *FileWatcher) safeCall(cb func(FileEvent), ev FileEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("file watcher callback panicked", zap.Any("panic", r))
		}
	}()
	cb(ev)
}

func readState(path string) (fileState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, false
	}
	return fileState{digest: sha256.Sum256(data)}, true
}
