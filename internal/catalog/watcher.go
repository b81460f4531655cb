package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/source"
)

type WatcherParams struct {
	Path     string
	Registry Registrar
	Debounce time.Duration
	Logger   *zap.Logger
	// OnApply is called after every reload with the descriptors in effect.
	OnApply func([]source.Descriptor)
}

// Watcher applies the catalog once and then again after every change to
// the file.
type Watcher struct {
	path     string
	reg      Registrar
	debounce time.Duration
	logger   *zap.Logger
	onApply  func([]source.Descriptor)

	current []source.Descriptor
}

func NewWatcher(p WatcherParams) *Watcher {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Debounce <= 0 {
		p.Debounce = 200 * time.Millisecond
	}
	return &Watcher{
		path:     p.Path,
		reg:      p.Registry,
		debounce: p.Debounce,
		logger:   p.Logger.Named("catalog"),
		onApply:  p.OnApply,
	}
}

// Bootstrap loads and applies the catalog once.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	w.apply(ctx, f)
	return nil
}

// Run bootstraps and then watches the catalog until ctx is done. The parent
// directory is watched so that editors replacing the file by rename are
// picked up. A catalog that fails to parse is logged and ignored; the last
// good one stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := w.Bootstrap(ctx); err != nil {
		return err
	}
	w.logger.Info("watching catalog", zap.String("path", w.path))

	name := filepath.Clean(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", zap.Error(err))
		case <-timer.C:
			f, err := Load(w.path)
			if err != nil {
				w.logger.Warn("catalog reload failed, keeping previous", zap.Error(err))
				continue
			}
			w.apply(ctx, f)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, f File) {
	w.current = Apply(ctx, w.reg, w.current, f.Sources, w.logger)
	w.logger.Info("catalog applied", zap.Int("sources", len(w.current)))
	if w.onApply != nil {
		w.onApply(append([]source.Descriptor(nil), w.current...))
	}
}
