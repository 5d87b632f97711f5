//go:build windows

package welcome

import (
	"golang.org/x/sys/windows"
)

// ShowWelcome displays a native welcome dialog on Windows
func ShowWelcome(addr string) {
	messageBox(title, welcomeMessage(addr), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// ShowAbout displays a native about dialog on Windows
func ShowAbout(version, addr string) {
	messageBox("About "+title, aboutMessage(version, addr), windows.MB_OK|windows.MB_ICONINFORMATION)
}

// PromptProvision asks whether to write a tag now.
// Returns true if the user clicked "Yes".
func PromptProvision() bool {
	return messageBox(title, provisionPromptMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == windows.IDYES
}

// PromptCrashReporting shows a dialog asking if the user wants to enable crash reporting.
// Returns true if the user clicked "Yes".
func PromptCrashReporting() bool {
	return messageBox(title, crashReportingPromptMessage, windows.MB_YESNO|windows.MB_ICONQUESTION) == windows.IDYES
}

func messageBox(caption, text string, style uint32) int32 {
	captionPtr, _ := windows.UTF16PtrFromString(caption)
	textPtr, _ := windows.UTF16PtrFromString(text)
	ret, _ := windows.MessageBox(0, textPtr, captionPtr, style)
	return ret
}
