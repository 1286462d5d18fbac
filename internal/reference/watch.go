package reference

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// DefaultWatchInterval is how often a Watcher polls its file.
const DefaultWatchInterval = 2 * time.Second

// LoadFunc publishes the reference found in the image at path.
type LoadFunc func(ctx context.Context, path string) error

// Watcher reloads a reference image whenever its content changes, so the
// identity can be replaced on disk while the pipeline runs. It polls the
// file's modification time and hashes the content only when that moves.
type Watcher struct {
	path     string
	interval time.Duration
	load     LoadFunc
	log      *slog.Logger

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher creates a watcher for path. The file's current content is
// taken as already loaded.
func NewWatcher(path string, load LoadFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		load:     load,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if mtime, hash, err := w.stat(); err == nil {
		w.lastMtime, w.lastHash = mtime, hash
	}
	return w
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check reloads the reference if the file changed. It reports whether a
// load was attempted.
func (w *Watcher) check(ctx context.Context) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("reference watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	if info.ModTime().Equal(w.lastMtime) {
		return false
	}

	mtime, hash, err := w.stat()
	if err != nil {
		w.log.Warn("reference watcher: cannot read file", "path", w.path, "err", err)
		return false
	}
	w.lastMtime = mtime
	if hash == w.lastHash {
		return false
	}
	w.lastHash = hash

	if err := w.load(ctx, w.path); err != nil {
		w.log.Warn("reference watcher: keeping previous reference", "path", w.path, "err", err)
	}
	return true
}

func (w *Watcher) stat() (time.Time, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return time.Time{}, [sha256.Size]byte{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, [sha256.Size]byte{}, err
	}
	return info.ModTime(), sha256.Sum256(data), nil
}
