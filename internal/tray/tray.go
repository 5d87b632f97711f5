//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/reindeer/friedn-agent/internal/welcome"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	opts Options
	mu   sync.Mutex

	// Menu items for updating
	mStatus    *systray.MenuItem
	mReaders   *systray.MenuItem
	mProvision *systray.MenuItem
	mCancel    *systray.MenuItem
}

// New creates a new TrayApp instance
func New(opts Options) *TrayApp {
	return &TrayApp{opts: opts}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which makes RunWithServer return.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("friedn agent")

	// Version header (disabled, just for display)
	mVersion := systray.AddMenuItem(versionLabel(t.opts.Version), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Provisioning status")
	t.mStatus.Disable()

	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected NFC readers")
	t.mReaders.Disable()

	systray.AddSeparator()

	t.mProvision = systray.AddMenuItem("Provision tag", "Write the friedn record to a tag")
	t.mCancel = systray.AddMenuItem("Cancel", "Stop waiting for a tag")

	systray.AddSeparator()

	mOpenUI := systray.AddMenuItem("Open status page", "Open the status page in a browser")
	mAbout := systray.AddMenuItem("About", "About friedn agent")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit friedn agent")

	t.render(t.opts.Provisioner.Status())
	go t.updateReaders()
	go t.watchStatus()

	// Handle menu clicks
	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-t.mProvision.ClickedCh:
				if _, err := t.opts.Provisioner.Begin(); err != nil {
					logging.Warn(logging.CatSystem, "Provision from tray failed", map[string]any{
						"error": err.Error(),
					})
				}
				go t.updateReaders()
			case <-t.mCancel.ClickedCh:
				if _, err := t.opts.Provisioner.Cancel(); err != nil {
					logging.Warn(logging.CatSystem, "Cancel from tray failed", map[string]any{
						"error": err.Error(),
					})
				}
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/", t.opts.Addr))
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(t.opts.Version, t.opts.Addr)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.opts.OnQuit != nil {
		t.opts.OnQuit()
	}
}

// watchStatus keeps the menu in step with the provisioning status.
func (t *TrayApp) watchStatus() {
	defer logging.RecoverAndLog("tray status", false)

	updates, unsubscribe := t.opts.Provisioner.Subscribe()
	defer unsubscribe()
	for st := range updates {
		t.render(st)
	}
}

func (t *TrayApp) render(st provision.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mStatus.SetTitle(statusLabel(st))
	canProvision, canCancel := menuState(st)
	setEnabled(t.mProvision, canProvision)
	setEnabled(t.mCancel, canCancel)
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

func (t *TrayApp) updateReaders() {
	if t.opts.Readers == nil {
		return
	}
	readers, err := t.opts.Readers.Readers()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.mReaders.SetTitle("Readers: Unavailable")
		return
	}
	t.mReaders.SetTitle(readersLabel(len(readers)))
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open browser", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
