package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// limitsFile is the hot-reloadable subset of the configuration. Only the
// research limits reload at runtime; transport and storage settings require
// a restart.
type limitsFile struct {
	Research struct {
		MaxIterations int    `yaml:"max_iterations"`
		Timeout       string `yaml:"timeout"`
		TokenBudget   int    `yaml:"token_budget"`
	} `yaml:"research"`
}

// LimitsHandler receives the updated limits after a successful reload.
type LimitsHandler func(ResearchConfig)

// Watcher hot-reloads the research limits when the config file changes.
// Invalid or unreadable files are logged and skipped; the last good limits
// stay in force.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.RWMutex
	current ResearchConfig
	handler LimitsHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches path and starts from the given limits.
func NewWatcher(path string, initial ResearchConfig, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: initial,
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange installs the reload callback.
func (w *Watcher) OnChange(fn LimitsHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = fn
}

// Limits returns the current research limits.
func (w *Watcher) Limits() ResearchConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload skipped, file unreadable",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	var parsed limitsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		w.logger.Warn("Config reload skipped, invalid yaml",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	updated := w.current
	if parsed.Research.MaxIterations > 0 {
		updated.MaxIterations = parsed.Research.MaxIterations
	}
	if parsed.Research.TokenBudget > 0 {
		updated.TokenBudget = parsed.Research.TokenBudget
	}
	if parsed.Research.Timeout != "" {
		if d, err := time.ParseDuration(parsed.Research.Timeout); err == nil && d > 0 {
			updated.Timeout = d
		}
	}
	w.current = updated
	handler := w.handler
	w.mu.Unlock()

	w.logger.Info("Research limits reloaded",
		zap.Int("max_iterations", updated.MaxIterations),
		zap.Duration("timeout", updated.Timeout),
		zap.Int("token_budget", updated.TokenBudget),
	)
	if handler != nil {
		handler(updated)
	}
}
