package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"fraudshield/pkg/logging"
)

// Loader owns the active configuration snapshot and hot-reloads it when the
// backing file changes. Readers call Current and hold the returned pointer
// for the lifetime of a request; the snapshot is never mutated in place.
type Loader struct {
	path    string
	current atomic.Value // *Config

	mu       sync.Mutex // guards version counter and onChange slice
	version  int
	onChange []func(*Config)
}

// NewLoader performs the initial load. An empty path yields the built-in
// defaults with no file watching.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if path == "" {
		cfg := Default()
		l.current.Store(cfg)
		l.version = cfg.Version
		return l, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	l.version = 1
	cfg.Version = 1
	l.current.Store(cfg)
	return l, nil
}

// Current returns the active snapshot.
func (l *Loader) Current() *Config {
	return l.current.Load().(*Config)
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file immediately. An invalid document leaves the
// active snapshot untouched and returns the validation error.
func (l *Loader) Reload() (*Config, error) {
	if l.path == "" {
		return l.Current(), nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.version++
	cfg.Version = l.version
	l.current.Store(cfg)
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Watch hot-reloads the config on file writes until stop is called.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", l.path, err)
	}
	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if cfg, err := l.Reload(); err != nil {
						logging.Errorf("config reload rejected, keeping version %d: %v", l.Current().Version, err)
					} else {
						logging.Infof("config reloaded: version %d", cfg.Version)
					}
				}
			case <-w.Errors:
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }, nil
}
