// Package data_provider loads rule files referenced by tag from plugin
// configs and keeps them in sync with disk via fsnotify, so a domain or
// netlist file can be edited in place without a config reload.
package data_provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Config is one entry of the top level "data_providers" config section.
type Config struct {
	Tag  string `yaml:"tag"`
	File string `yaml:"file"`
}

// DataProvider holds the current content of a watched file and notifies
// subscribers when it changes.
type DataProvider struct {
	tag    string
	file   string
	logger *zap.Logger

	mu      sync.RWMutex
	content []byte

	subMu sync.Mutex
	subs  []func([]byte)

	watcher *fsnotify.Watcher
}

// NewDataProvider reads cfg.File and starts watching it for changes.
func NewDataProvider(logger *zap.Logger, cfg Config) (*DataProvider, error) {
	if len(cfg.File) == 0 {
		return nil, fmt.Errorf("data provider %s has no file", cfg.Tag)
	}

	b, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cfg.File, err)
	}

	dp := &DataProvider{
		tag:     cfg.Tag,
		file:    cfg.File,
		logger:  logger,
		content: b,
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Reload is a convenience, not a hard requirement: keep the
		// already-loaded content and run without a watcher.
		logger.Warn("failed to start file watcher, auto reload disabled", zap.String("tag", cfg.Tag), zap.Error(err))
		return dp, nil
	}
	if err := w.Add(filepath.Dir(cfg.File)); err != nil {
		w.Close()
		logger.Warn("failed to watch data provider directory, auto reload disabled", zap.String("tag", cfg.Tag), zap.Error(err))
		return dp, nil
	}
	dp.watcher = w
	go dp.watchLoop()
	return dp, nil
}

func (dp *DataProvider) watchLoop() {
	target := filepath.Clean(dp.file)
	for {
		select {
		case ev, ok := <-dp.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			dp.reload()
		case err, ok := <-dp.watcher.Errors:
			if !ok {
				return
			}
			dp.logger.Warn("data provider watcher error", zap.String("tag", dp.tag), zap.Error(err))
		}
	}
}

func (dp *DataProvider) reload() {
	b, err := os.ReadFile(dp.file)
	if err != nil {
		dp.logger.Warn("failed to reload data provider", zap.String("tag", dp.tag), zap.Error(err))
		return
	}

	dp.mu.Lock()
	dp.content = b
	dp.mu.Unlock()

	dp.logger.Info("data provider reloaded", zap.String("tag", dp.tag), zap.Int("bytes", len(b)))

	dp.subMu.Lock()
	subs := append([]func([]byte){}, dp.subs...)
	dp.subMu.Unlock()
	for _, f := range subs {
		f(b)
	}
}

// Content returns the current file content.
func (dp *DataProvider) Content() []byte {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.content
}

// RegisterOnUpdate registers f to be called with the new content every
// time the underlying file changes. f may be called concurrently with
// itself across updates.
func (dp *DataProvider) RegisterOnUpdate(f func([]byte)) {
	dp.subMu.Lock()
	defer dp.subMu.Unlock()
	dp.subs = append(dp.subs, f)
}

func (dp *DataProvider) Close() error {
	if dp.watcher != nil {
		return dp.watcher.Close()
	}
	return nil
}

// DataManager is the registry of all data providers, keyed by tag.
type DataManager struct {
	mu sync.RWMutex
	m  map[string]*DataProvider
}

func NewDataManager() *DataManager {
	return &DataManager{m: make(map[string]*DataProvider)}
}

func (dm *DataManager) AddDataProvider(tag string, dp *DataProvider) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.m[tag] = dp
}

func (dm *DataManager) GetDataProvider(tag string) (*DataProvider, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	dp, ok := dm.m[tag]
	return dp, ok
}
