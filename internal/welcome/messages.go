// Package welcome shows the native first-run and about dialogs.
package welcome

import "fmt"

const title = "friedn agent"

func welcomeMessage(addr string) string {
	return fmt.Sprintf(`friedn agent is now running!

It sits in your menu bar and writes your friedn tag through a USB NFC reader.
Choose "Provision tag" from the menu, then hold a blank or writable tag on the reader.

Status page:
http://%s/`, addr)
}

func aboutMessage(version, addr string) string {
	return fmt.Sprintf(`friedn agent

Writes a friedn record to an NFC tag through a PC/SC reader connected to this computer.

Status page: http://%s/
Version: %s`, addr, version)
}

const provisionPromptMessage = `No friedn tag has been set up on this device yet.

Would you like to write one now? Have a tag and your NFC reader ready.`

const crashReportingPromptMessage = `Help improve friedn agent by sending anonymous crash reports?

If the app crashes, diagnostic information will be sent to help us fix bugs faster. No personal data is collected.

You can change this later in the status page settings.`
