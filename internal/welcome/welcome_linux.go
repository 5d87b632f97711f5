//go:build linux

package welcome

// Linux runs headless (no tray), so there are no dialogs.

// ShowWelcome is a no-op on Linux
func ShowWelcome(addr string) {}

// ShowAbout is a no-op on Linux
func ShowAbout(version, addr string) {}

// PromptProvision is a no-op on Linux
func PromptProvision() bool {
	return false
}

// PromptCrashReporting is a no-op on Linux
func PromptCrashReporting() bool {
	return false
}
