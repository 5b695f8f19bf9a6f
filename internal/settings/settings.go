// Package settings persists the user-adjustable device settings.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Values is the persisted settings document.
type Values struct {
	DeviceName string `yaml:"device_name"`
	Volume     int    `yaml:"volume"`
	Brightness int    `yaml:"brightness"`
	ServerURL  string `yaml:"server_url"`
}

// MaxDeviceNameLen bounds device_name.
const MaxDeviceNameLen = 32

func Defaults() Values {
	return Values{
		DeviceName: "ptalk",
		Volume:     60,
		Brightness: 80,
		ServerURL:  "ws://127.0.0.1:8765/ws",
	}
}

// Validate checks every field and returns a user-friendly error.
func (v Values) Validate() error {
	if n := len(v.DeviceName); n == 0 || n > MaxDeviceNameLen {
		return fmt.Errorf("device_name must be 1-%d characters", MaxDeviceNameLen)
	}
	if v.Volume < 0 || v.Volume > 100 {
		return errors.New("volume must be between 0 and 100")
	}
	if v.Brightness < 0 || v.Brightness > 100 {
		return errors.New("brightness must be between 0 and 100")
	}
	if err := ValidateServerURL(v.ServerURL); err != nil {
		return err
	}
	return nil
}

// ValidateServerURL accepts ws:// and wss:// URLs with a host.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url must use ws:// or wss://, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("server_url has no host: %q", raw)
	}
	return nil
}

// Store is a YAML file guarded by a mutex. Writes go to a temp file in the
// same directory and are renamed into place.
type Store struct {
	path     string
	defaults Values
	logger   *slog.Logger

	mu sync.RWMutex
	v  Values
}

// Open loads path, falling back to defaults when the file does not exist.
func Open(path string, defaults Values, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		defaults: defaults,
		logger:   logger.With("component", "settings"),
		v:        defaults,
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("no settings file; using defaults", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	v := defaults
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode settings yaml: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	s.v = v
	return s, nil
}

func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Update applies fn to a copy, validates and persists it. The in-memory
// values only change when the write succeeded.
func (s *Store) Update(fn func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.v
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.v = next
	return nil
}

// Erase deletes the settings file and restores the defaults.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("erase settings: %w", err)
	}
	s.v = s.defaults
	s.logger.Warn("settings erased", "path", s.path)
	return nil
}

func (s *Store) write(v Values) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
