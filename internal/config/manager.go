package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	reloadDebounce      = 200 * time.Millisecond
	defaultPollInterval = 30 * time.Second
)

// Manager caches the parsed config and invalidates the cache when Reload is
// called, when the config file changes on disk, or when Update rewrites it.
type Manager struct {
	path         string
	logger       *log.Logger
	pollInterval time.Duration

	mu            sync.RWMutex
	cfg           *Config
	debounceTimer *time.Timer

	watcher     *fsnotify.Watcher
	useFsnotify bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewManager loads the config at path and returns a manager for it.
func NewManager(path string, logger *log.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:         path,
		logger:       logger,
		pollInterval: defaultPollInterval,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// Current returns the cached config. The returned pointer is shared; callers
// must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the config file, replacing the cached copy.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Update deep-merges updates into the on-disk YAML document, writes it back,
// and reloads the cache. Scalar values replace; nested maps merge.
func (m *Manager) Update(updates map[string]any) error {
	current := map[string]any{}
	if data, err := os.ReadFile(m.path); err == nil {
		if err := yaml.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	merged := deepMerge(current, updates)
	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return m.Reload()
}

func deepMerge(base, updates map[string]any) map[string]any {
	for key, value := range updates {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := base[key].(map[string]any); ok {
				base[key] = deepMerge(existing, sub)
				continue
			}
		}
		base[key] = value
	}
	return base
}

// Start watches the config file and invalidates the cache on change. Returns
// when ctx is cancelled. If fsnotify fails to initialize, falls back to
// poll-only mode.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.doneCh)

	watchDir := filepath.Dir(m.path)
	configName := filepath.Base(m.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("Config: fsnotify init failed (%v), using poll-only", err)
		m.useFsnotify = false
	} else {
		m.watcher = watcher
		m.useFsnotify = true
		if err := watcher.Add(watchDir); err != nil {
			m.logger.Printf("Config: fsnotify add %s failed (%v), using poll-only", watchDir, err)
			_ = watcher.Close()
			m.watcher = nil
			m.useFsnotify = false
		}
	}

	if m.useFsnotify {
		defer m.watcher.Close()
		go m.watchLoop(ctx, configName)
	}

	m.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context passed
// to Start.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) watchLoop(ctx context.Context, configName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reloadDebounced()
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) reloadDebounced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		if err := m.Reload(); err != nil {
			m.logger.Printf("Config: reload failed: %v", err)
			return
		}
		m.logger.Printf("Config: reloaded from %s", m.path)
	})
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.useFsnotify {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Printf("Config: poll reload failed: %v", err)
			}
		}
	}
}
