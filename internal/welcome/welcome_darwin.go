//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

// ShowWelcome displays a native welcome dialog on macOS
func ShowWelcome(addr string) {
	dialog(welcomeMessage(addr), title, `{"Got it!"}`)
}

// ShowAbout displays a native about dialog on macOS
func ShowAbout(version, addr string) {
	dialog(aboutMessage(version, addr), "About "+title, `{"OK"}`)
}

// PromptProvision asks whether to write a tag now.
// Returns true if the user clicked "Yes".
func PromptProvision() bool {
	return ask(provisionPromptMessage)
}

// PromptCrashReporting shows a dialog asking if the user wants to enable crash reporting.
// Returns true if the user clicked "Yes".
func PromptCrashReporting() bool {
	return ask(crashReportingPromptMessage)
}

func dialog(msg, dialogTitle, buttons string) ([]byte, error) {
	script := `display dialog "` + escapeAppleScript(msg) + `" with title "` + escapeAppleScript(dialogTitle) +
		`" buttons ` + buttons + ` default button ` + defaultButton(buttons) + ` with icon note`
	return exec.Command("osascript", "-e", script).Output()
}

func ask(msg string) bool {
	out, err := dialog(msg, title, `{"No", "Yes"}`)
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

func defaultButton(buttons string) string {
	if strings.Contains(buttons, ",") {
		return "2"
	}
	return "1"
}

func escapeAppleScript(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(s)
}
