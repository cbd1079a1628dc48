package mocks

import (
	"sync"

	"github.com/teilomillet/relay/config"
)

// MockConfigWatcher provides a testable implementation of config.Watcher
type MockConfigWatcher struct {
	mu            sync.Mutex
	currentConfig *config.Config
	subscribers   []chan *config.Config
}

// Verify at compile time that MockConfigWatcher implements config.Watcher
var _ config.Watcher = (*MockConfigWatcher)(nil)

// NewMockConfigWatcher creates a new MockConfigWatcher initialized with the provided config
func NewMockConfigWatcher(cfg *config.Config) *MockConfigWatcher {
	return &MockConfigWatcher{currentConfig: cfg}
}

// GetCurrentConfig implements config.Watcher
func (m *MockConfigWatcher) GetCurrentConfig() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentConfig
}

// Subscribe implements config.Watcher. The current config is delivered first.
func (m *MockConfigWatcher) Subscribe() <-chan *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *config.Config, 1)
	m.subscribers = append(m.subscribers, ch)
	ch <- m.currentConfig
	return ch
}

// Close implements config.Watcher
func (m *MockConfigWatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	return nil
}

// UpdateConfig simulates a reload. Subscribers that have not drained the
// previous config get the newest one instead.
func (m *MockConfigWatcher) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentConfig = cfg

	for _, ch := range m.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}
