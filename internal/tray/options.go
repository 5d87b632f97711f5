// Package tray is the system tray menu: provisioning status, the provision
// and cancel actions, and a link to the status page.
package tray

import "github.com/reindeer/friedn-agent/internal/provision"

// Provisioner is the provisioning flow the menu drives.
type Provisioner interface {
	Begin() (provision.Status, error)
	Cancel() (provision.Status, error)
	Status() provision.Status
	Subscribe() (<-chan provision.Status, func())
}

// ReaderLister lists attached readers.
type ReaderLister interface {
	Readers() ([]string, error)
}

// Options configures the tray.
type Options struct {
	// Addr is the API listen address, used for the status page link.
	Addr        string
	Version     string
	Provisioner Provisioner
	Readers     ReaderLister
	// OnQuit runs when the user quits from the menu.
	OnQuit func()
}
