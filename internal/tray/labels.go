package tray

import (
	"fmt"

	"github.com/reindeer/friedn-agent/internal/provision"
)

// statusLabel is the tray status line for st.
func statusLabel(st provision.Status) string {
	switch st.Phase {
	case provision.PhaseWaiting:
		return "Status: " + provision.MessageWaiting
	case provision.PhaseSuccess:
		if st.Message == provision.MessageSuccess {
			return "Status: Tag written"
		}
		return "Status: Tag set up"
	case provision.PhaseFailure:
		return "Status: " + st.Message
	default:
		return "Status: No tag set up"
	}
}

func readersLabel(count int) string {
	switch count {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", count)
	}
}

// versionLabel adds a "v" prefix only for release versions, not dev builds.
func versionLabel(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		version = "v" + version
	}
	return "friedn agent " + version
}

// menuState reports which actions are available in st.
func menuState(st provision.Status) (canProvision, canCancel bool) {
	return !st.HasWrittenTag && st.Phase != provision.PhaseWaiting, st.Phase == provision.PhaseWaiting
}
