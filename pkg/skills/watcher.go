package skills

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/pkg/errors"
)

// Watcher drops cache entries as soon as a watched skill's SKILL.md changes.
type Watcher struct {
	cache   *MetadataCache
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]struct{}

	onInvalidate func(root string)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// OnInvalidate registers fn to be called after a root's entry is dropped.
func OnInvalidate(fn func(root string)) WatcherOption {
	return func(w *Watcher) {
		w.onInvalidate = fn
	}
}

// NewWatcher creates a watcher bound to cache.
func NewWatcher(cache *MetadataCache, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	w := &Watcher{
		cache:   cache,
		watcher: fw,
		roots:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add starts watching the skill rooted at root.
func (w *Watcher) Add(root string) error {
	canonical, err := canonicalRoot(root)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(canonical); err != nil {
		return errors.Wrapf(err, "failed to watch %s", canonical)
	}

	w.mu.Lock()
	w.roots[canonical] = struct{}{}
	w.mu.Unlock()
	return nil
}

// Roots returns the number of watched skill roots.
func (w *Watcher) Roots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.roots)
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	log := logger.G(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if filepath.Base(event.Name) != SkillFileName {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
		return
	}

	root := filepath.Dir(event.Name)
	w.mu.Lock()
	_, watched := w.roots[root]
	w.mu.Unlock()
	if !watched {
		return
	}

	logger.G(ctx).WithField("skill_root", root).WithField("op", event.Op.String()).Debug("skill file changed")
	if err := w.cache.Invalidate(ctx, root); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to invalidate cache entry")
		return
	}
	if w.onInvalidate != nil {
		w.onInvalidate(root)
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
