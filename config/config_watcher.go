// config_watcher.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Verify at compile time that ConfigWatcher implements Watcher
var _ Watcher = (*ConfigWatcher)(nil)

// ConfigWatcher reloads the configuration file when it changes and
// notifies subscribers. Only the relay section is meant to be applied
// live; budget-affecting fields require a restart.
type ConfigWatcher struct {
	currentConfig atomic.Value
	configPath    string
	watcher       *fsnotify.Watcher
	logger        *zap.Logger

	mu          sync.Mutex
	subscribers []chan *Config
	closeOnce   sync.Once
	done        chan struct{}
}

// NewConfigWatcher loads configPath and starts watching it.
func NewConfigWatcher(configPath string, logger *zap.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	initialConfig, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		done:       make(chan struct{}),
	}
	cw.currentConfig.Store(initialConfig)

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchConfig()
	return cw, nil
}

// Subscribe returns a channel receiving each successfully reloaded config.
// Slow subscribers miss intermediate versions.
func (cw *ConfigWatcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	cw.mu.Lock()
	cw.subscribers = append(cw.subscribers, ch)
	cw.mu.Unlock()
	return ch
}

// GetCurrentConfig returns the current configuration thread-safely
func (cw *ConfigWatcher) GetCurrentConfig() *Config {
	return cw.currentConfig.Load().(*Config)
}

func (cw *ConfigWatcher) watchConfig() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.handleConfigChange()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("Config watcher error", zap.Error(err))
		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) handleConfigChange() {
	cw.logger.Info("Detected config file change, reloading", zap.String("path", cw.configPath))

	data, err := os.ReadFile(cw.configPath)
	if err != nil {
		cw.logger.Error("Failed to read new config", zap.Error(err))
		return
	}
	// Editors and os.WriteFile truncate before writing; an empty file is
	// an intermediate state, not a request to fall back to defaults.
	if len(bytes.TrimSpace(data)) == 0 {
		cw.logger.Debug("Ignoring empty config file")
		return
	}

	// Load validates before returning.
	newConfig, err := Load(bytes.NewReader(data))
	if err != nil {
		cw.logger.Error("Failed to load new config", zap.Error(err))
		return
	}

	cw.currentConfig.Store(newConfig)

	cw.mu.Lock()
	for _, sub := range cw.subscribers {
		select {
		case sub <- newConfig:
		default:
			// Skip if subscriber is not ready
		}
	}
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")
}

// Close stops watching. It is safe to call more than once.
func (cw *ConfigWatcher) Close() error {
	var err error
	cw.closeOnce.Do(func() {
		close(cw.done)
		err = cw.watcher.Close()
	})
	return err
}
