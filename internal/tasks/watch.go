package tasks

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dngpipe/internal/fsutil"
)

// InboxWatcher submits new DNG files dropped into a directory. A file is
// submitted once no write has touched it for the settle delay.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	settle  time.Duration
	submit  func(path string) error
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewInboxWatcher watches dir. submit is called from a timer goroutine.
func NewInboxWatcher(dir string, settle time.Duration, logger *slog.Logger, submit func(path string) error) (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InboxWatcher{
		watcher: watcher,
		dir:     dir,
		settle:  settle,
		submit:  submit,
		log:     logger,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *InboxWatcher) Run(ctx context.Context) error {
	w.log.Info("watching inbox", "dir", w.dir)
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isInboxFile(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", "error", err)
		}
	}
}

func (w *InboxWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if err := w.submit(path); err != nil {
			w.log.Error("inbox submit failed", "path", path, "error", err)
			return
		}
		w.log.Info("inbox file submitted", "path", path)
	})
}

func (w *InboxWatcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.watcher.Close()
}

// isInboxFile accepts DNGs that are not our own outputs or temp files.
func isInboxFile(path string) bool {
	if !fsutil.IsDNG(path) {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	return !strings.HasSuffix(stem, "-repaired") && !strings.HasSuffix(stem, "-marked")
}
