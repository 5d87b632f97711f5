// Package service registers the agent to start at login.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "friedn-agent"

var (
	ErrAlreadyInstalled = errors.New("autostart already installed")
	ErrNotInstalled     = errors.New("autostart not installed")
	ErrUnsupported      = errors.New("autostart not supported on this platform")
)

// Service manages the platform autostart entry.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// entryData is what the autostart templates are rendered with.
type entryData struct {
	Label          string
	ExecutablePath string
	LogPath        string
}

// executable returns the resolved path of the running binary.
func executable() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// writeEntry renders tmpl into path through a temporary file in the same
// directory, so the entry is either complete or absent.
func writeEntry(path string, tmpl *template.Template, data entryData) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeEntry(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
