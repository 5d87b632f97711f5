//go:build linux

package tray

// TrayApp is a stub; Linux runs headless.
type TrayApp struct {
	opts Options
}

// New creates a new TrayApp instance
func New(opts Options) *TrayApp {
	return &TrayApp{opts: opts}
}

// RunWithServer runs serverStart on the calling goroutine.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// Quit is a no-op on Linux.
func (t *TrayApp) Quit() {}

// IsSupported returns true if the system tray is supported on this platform.
// Linux runs headless.
func IsSupported() bool {
	return false
}
