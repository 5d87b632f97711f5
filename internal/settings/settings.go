// Package settings persists the agent's small amount of user state: whether
// this device has provisioned a tag, the crash reporting preference and
// whether the first-run dialogs were shown.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	HasWrittenTag  bool `json:"hasWrittenTag"`  // Set once a friedn tag has been written
	CrashReporting bool `json:"crashReporting"` // Whether to send crash reports to Sentry
	WelcomeShown   bool `json:"welcomeShown"`   // Set after the first-run dialogs
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// DefaultPath returns <UserConfigDir>/friedn-agent/settings.json.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "friedn-agent", "settings.json"), nil
}

// Store is a settings file shared with other agent processes through an
// advisory lock on <path>.lock.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// Open loads the settings at path, or at DefaultPath when path is empty.
// A missing file yields defaults. A corrupt file yields defaults and an
// error; the returned Store is usable either way.
func Open(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return &Store{current: DefaultSettings()}, err
		}
		path = p
	}
	s := &Store{path: path, current: DefaultSettings()}

	var loaded Settings
	err := s.withLock(func() error {
		var err error
		loaded, err = s.read()
		return err
	})
	s.current = loaded
	return s, err
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// HasWrittenTag reports whether a tag has been provisioned.
func (s *Store) HasWrittenTag() bool {
	return s.Get().HasWrittenTag
}

// SetHasWrittenTag updates the provisioning flag and saves.
func (s *Store) SetHasWrittenTag(v bool) error {
	return s.update(func(st *Settings) { st.HasWrittenTag = v })
}

// CrashReporting returns whether crash reporting is enabled.
func (s *Store) CrashReporting() bool {
	return s.Get().CrashReporting
}

// SetCrashReporting updates the crash reporting preference and saves.
func (s *Store) SetCrashReporting(enabled bool) error {
	return s.update(func(st *Settings) { st.CrashReporting = enabled })
}

// MarkWelcomeShown records that the first-run dialogs were shown.
func (s *Store) MarkWelcomeShown() error {
	return s.update(func(st *Settings) { st.WelcomeShown = true })
}

// update re-reads the file under the lock so a change made by another
// process to a different field survives, applies fn and writes the result.
func (s *Store) update(fn func(*Settings)) error {
	if s.path == "" {
		return fmt.Errorf("settings path unknown")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(func() error {
		st, err := s.read()
		if err != nil {
			// A corrupt file is replaced by what we hold in memory.
			st = s.current
		}
		fn(&st)
		if err := s.write(st); err != nil {
			return err
		}
		s.current = st
		return nil
	})
}

func (s *Store) read() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), err
	}

	st := DefaultSettings()
	if err := json.Unmarshal(data, &st); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return st, nil
}

// write replaces the file atomically via a temp file in the same directory.
func (s *Store) write(st Settings) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// withLock runs fn holding the cross-process lock.
func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("failed to lock settings: %w", err)
	}
	defer unlockFile(f)

	return fn()
}
