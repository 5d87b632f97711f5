//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// The agent is restarted after a crash but not after Quit from the tray.
var launchAgent = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>serve</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ProcessType</key>
    <string>Interactive</string>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/friedn-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/friedn-agent.err</string>
</dict>
</plist>
`))

type darwinService struct {
	home      string
	uid       int
	launchctl func(args ...string) ([]byte, error)
}

// New creates a new platform-specific service manager
func New() Service {
	home, _ := os.UserHomeDir()
	return &darwinService{
		home: home,
		uid:  os.Getuid(),
		launchctl: func(args ...string) ([]byte, error) {
			return exec.Command("launchctl", args...).CombinedOutput()
		},
	}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executable()
	if err != nil {
		return err
	}

	logPath := filepath.Join(s.home, "Library", "Logs", appName)
	if err := os.MkdirAll(logPath, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", logPath, err)
	}
	err = writeEntry(s.plistPath(), launchAgent, entryData{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		LogPath:        logPath,
	})
	if err != nil {
		return err
	}

	domain := fmt.Sprintf("gui/%d", s.uid)
	if out, err := s.launchctl("bootstrap", domain, s.plistPath()); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	// bootout fails when the agent is not loaded, which is fine here.
	_, _ = s.launchctl("bootout", launchdService(s.uid))
	return removeEntry(s.plistPath())
}

func (s *darwinService) IsInstalled() bool {
	return exists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	return launchdStatus(s.launchctl("print", launchdService(s.uid))), nil
}
