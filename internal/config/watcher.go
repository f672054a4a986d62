package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher watches a configuration file and fires debounced callbacks
// when it changes.
type ConfigWatcher struct {
	logger    *zap.Logger
	path      string
	watcher   *fsnotify.Watcher
	callbacks []func()
	mu        sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	debounce time.Duration
	timer    *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(logger *zap.Logger, configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigWatcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
		debounce: time.Second,
	}, nil
}

// Start starts watching the configuration file. The parent directory is
// watched so that editors replacing the file are noticed.
func (cw *ConfigWatcher) Start(onChange func()) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return errors.New("watcher already running")
	}
	if onChange != nil {
		cw.callbacks = append(cw.callbacks, onChange)
	}

	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.running = true
	cw.done = make(chan struct{})
	go cw.handleEvents()

	cw.logger.Info("Configuration watcher started", zap.String("path", cw.path))
	return nil
}

// Stop stops the configuration watcher
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	cw.cancel()
	cw.watcher.Close()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	done := cw.done
	cw.mu.Unlock()

	<-done
	cw.logger.Info("Configuration watcher stopped")
}

// AddCallback adds a callback to be called on configuration changes
func (cw *ConfigWatcher) AddCallback(callback func()) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// SetDebounce sets the debounce period for configuration changes
func (cw *ConfigWatcher) SetDebounce(duration time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = duration
}

func (cw *ConfigWatcher) handleEvents() {
	defer close(cw.done)

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}

			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				cw.logger.Debug("Config file changed",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				cw.scheduleReload()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				cw.logger.Warn("Config file removed", zap.String("path", event.Name))
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("File watcher error", zap.Error(err))

		case <-cw.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a configuration reload with debouncing
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		cw.mu.Lock()
		callbacks := make([]func(), len(cw.callbacks))
		copy(callbacks, cw.callbacks)
		cw.mu.Unlock()

		cw.logger.Info("Reloading configuration", zap.String("path", cw.path))
		for _, callback := range callbacks {
			callback()
		}
	})
}

// IsRunning returns whether the watcher is running
func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}
