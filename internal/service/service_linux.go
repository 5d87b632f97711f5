//go:build linux

package service

import (
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// XDG autostart entry, started with the graphical session so PC/SC polkit
// rules see an active session.
var desktopEntry = template.Must(template.New("desktop").Parse(`[Desktop Entry]
Type=Application
Name=friedn agent
Comment=Sets up a friedn NFC tag through a USB reader
Exec={{.ExecutablePath}} serve
Icon=friedn-agent
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`))

type linuxService struct {
	configDir string
	execPath  func() (string, error)
}

// New creates a new platform-specific service manager
func New() Service {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return &linuxService{configDir: configDir, execPath: executable}
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(s.configDir, "autostart", appName+".desktop")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := s.execPath()
	if err != nil {
		return err
	}
	return writeEntry(s.autostartPath(), desktopEntry, entryData{ExecutablePath: execPath})
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	return removeEntry(s.autostartPath())
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.autostartPath())
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return "running (autostart)", nil
	}
	return "installed (autostart) but not running", nil
}
