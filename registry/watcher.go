package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the rule directory when its contents change. Reload stays
// atomic: a broken edit is rejected and the running set is untouched.
type Watcher struct {
	registry *Registry
	loader   *Loader
	dir      string
	debounce time.Duration
	logger   *zap.SugaredLogger
}

// NewWatcher creates a watcher over dir.
func NewWatcher(reg *Registry, loader *Loader, dir string, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		registry: reg,
		loader:   loader,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}
}

// Run watches until the context is cancelled. Editor write bursts are
// debounced into a single reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Infow("watching rule directory", "dir", w.dir)

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case pending <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("rule watcher error", "error", err)
		case <-pending:
			if errs := w.loader.LoadDirInto(w.registry, w.dir); len(errs) > 0 {
				for _, e := range errs {
					w.logger.Warnw("rule reload rejected", "rule", e.RuleID, "reason", e.Reason)
				}
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
