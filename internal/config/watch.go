package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
)

// Watcher re-reads the config file when it changes on disk and hands the
// fresh, validated Config to the apply callback. A reload that fails to load
// or validate is logged and dropped; the process keeps running on the
// previous configuration.
type Watcher struct {
	path     string
	apply    func(*Config)
	fsw      *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
	pending  chan struct{}
}

// NewWatcher prepares a watcher for the given config file. Start must be
// called before any reloads happen.
func NewWatcher(path string, apply func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		apply:    apply,
		fsw:      fsw,
		debounce: 2 * time.Second,
		stop:     make(chan struct{}),
		pending:  make(chan struct{}, 1),
	}, nil
}

// Start begins watching. It watches the directory holding the config file
// rather than the file itself: editors and config management tools replace
// the file on save, and a watch on the old inode would go quiet after the
// first change.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go w.watchLoop()
	go w.reloadLoop()
	slog.Debug("config watcher started", logfields.Path(w.path))
	return nil
}

// Stop ends watching. Safe to call once.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.fsw.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				select {
				case w.pending <- struct{}{}:
				default:
				}
			case ev.Op&fsnotify.Remove != 0:
				slog.Warn("config file removed, keeping current configuration",
					logfields.Path(w.path))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", logfields.Error(err))
		case <-w.stop:
			return
		}
	}
}

// reloadLoop coalesces bursts of filesystem events into a single reload.
// Saving a file typically fires several events back to back; the timer
// resets on each one and the reload runs once the burst settles.
func (w *Watcher) reloadLoop() {
	var timer *time.Timer
	for {
		select {
		case <-w.pending:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping current configuration",
			logfields.Path(w.path), logfields.Error(err))
		return
	}
	slog.Info("config reloaded", logfields.Path(w.path))
	w.apply(cfg)
}
