package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"chrono/pkg/logx"
)

// Manager loads the config file, revalidates and republishes it on change.
// Reloads are transactional: a file that fails decoding or validation is
// rejected and the last good config stays current.
type Manager struct {
	path string

	mu       sync.Mutex
	cur      *Config
	subs     []chan *Config
	log      logx.Logger
	validate func(*Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs an extra validation hook run after the built-in
// Validate on every load.
func (m *Manager) SetValidator(fn func(*Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Load reads, decodes and validates the file, making the result current.
// YAML input is converted to a JSON document first so both formats share one
// strict decoder and unknown keys are rejected uniformly.
func (m *Manager) Load() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", m.path, err)
	}
	doc, err := m.jsonDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", m.path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", m.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", m.path, err)
	}

	m.mu.Lock()
	extra := m.validate
	m.mu.Unlock()
	if extra != nil {
		if err := extra(&cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", m.path, err)
		}
	}

	m.mu.Lock()
	m.cur = &cfg
	m.mu.Unlock()
	return &cfg, nil
}

// jsonDocument passes .json files through untouched and re-marshals .yaml
// and .yml files as JSON.
func (m *Manager) jsonDocument(raw []byte) ([]byte, error) {
	if ext := strings.ToLower(filepath.Ext(m.path)); ext != ".yaml" && ext != ".yml" {
		return raw, nil
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites the map[any]any nodes a YAML decode produces, since
// encoding/json refuses non-string keys.
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case map[string]any:
		for k, e := range n {
			n[k] = stringKeys(e)
		}
		return n
	case []any:
		for i, e := range n {
			n[i] = stringKeys(e)
		}
		return n
	}
	return v
}

// Get returns the last successfully loaded config (nil before first Load).
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Subscribe returns a channel that receives each newly applied config.
// Slow subscribers may miss intermediate versions; only the latest matters.
func (m *Manager) Subscribe(buf int) chan *Config {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan *Config, buf)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.mu.Lock()
	subs := append([]chan *Config(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Subscriber lagging; it will pick up the next version.
		}
	}
}

const reloadDebounce = 250 * time.Millisecond

// Watch blocks until ctx is done, reloading and publishing the config when
// the file changes. Editors replace files rather than writing in place, so
// the watch is on the directory and events are debounced.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger().Warn("config watch error", logx.Err(err))
		case <-timerCh:
			timer = nil
			timerCh = nil
			cfg, err := m.Load()
			if err != nil {
				m.logger().Warn("config reload rejected, keeping previous", logx.Err(err))
				continue
			}
			m.logger().Info("config reloaded")
			m.publish(cfg)
		}
	}
}

func (m *Manager) logger() logx.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log
}
