package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one reload of a watched file.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Path      string                 `json:"path"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, polling_detected
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Manager watches a config directory and hot-reloads YAML/JSON files into
// registered handlers (credibility table, provider rate limits).
type Manager struct {
	configDir string
	configs   map[string]map[string]interface{}
	handlers  map[string][]ChangeHandler
	validator map[string]func(map[string]interface{}) error
	watcher   *fsnotify.Watcher
	started   bool
	stopCh    chan struct{}
	logger    *zap.Logger
	mu        sync.RWMutex
	eventMu   sync.Mutex

	pollInterval  time.Duration
	enablePolling bool
	debounce      time.Duration
}

// NewManager creates a manager for configDir.
func NewManager(configDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(configDir); err != nil {
		return nil, fmt.Errorf("config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validator:    make(map[string]func(map[string]interface{}) error),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		debounce:     50 * time.Millisecond,
	}, nil
}

// Start loads every config file, notifies handlers, and begins watching.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	polling := m.enablePolling
	m.mu.Unlock()

	go m.watchLoop(ctx)
	if polling {
		go m.pollLoop(ctx)
	}
	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for a file name (not path).
// Handlers run synchronously in the watcher goroutine, in registration order.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator rejects reloads of filename that fail validate; the
// previous configuration stays in effect.
func (m *Manager) RegisterValidator(filename string, validate func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator[filename] = validate
}

// EnablePolling enables polling fallback for filesystems without inotify
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	m.pollInterval = interval
}

// GetConfig returns a copy of the last good configuration for a file
func (m *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// ReloadConfig manually reloads a specific configuration file
func (m *Manager) ReloadConfig(filename string) error {
	return m.loadFile(filepath.Join(m.configDir, filename), "manual_reload")
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
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
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	lastMod := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkForChanges(lastMod)
		}
	}
}

func (m *Manager) checkForChanges(lastMod map[string]time.Time) {
	err := filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if info.ModTime().After(lastMod[name]) {
			lastMod[name] = info.ModTime()
			return m.loadFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		m.handleRemoval(event.Name)
		return
	default:
		return
	}
	// Editors often write in several chunks.
	time.Sleep(m.debounce)
	if err := m.loadFile(event.Name, action); err != nil {
		m.logger.Error("Failed to load config file",
			zap.String("file", filepath.Base(event.Name)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		if err := m.loadFile(path, "initial_load"); err != nil {
			m.logger.Warn("Skipping invalid config file", zap.String("file", path), zap.Error(err))
		}
		return nil
	})
}

func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	name := filepath.Base(path)
	cfg := make(map[string]interface{})
	switch filepath.Ext(name) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", name, err)
	}

	m.mu.RLock()
	validate := m.validator[name]
	m.mu.RUnlock()
	if validate != nil {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.configs[name] = cfg
	handlers := append([]ChangeHandler(nil), m.handlers[name]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{File: name, Path: path, Action: action, Config: cfg, Timestamp: time.Now()})
	m.logger.Info("Configuration loaded",
		zap.String("filename", name),
		zap.String("action", action),
		zap.Int("keys", len(cfg)),
	)
	return nil
}

func (m *Manager) handleRemoval(path string) {
	name := filepath.Base(path)
	m.mu.Lock()
	last := m.configs[name]
	delete(m.configs, name)
	handlers := append([]ChangeHandler(nil), m.handlers[name]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{File: name, Path: path, Action: "delete", Config: last, Timestamp: time.Now()})
	m.logger.Info("Configuration file removed", zap.String("filename", name))
}

func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		if err := h(event); err != nil {
			m.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
