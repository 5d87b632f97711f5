package service

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

const launchAgentLabel = "org.reindeer.friedn-agent"

// launchdService is the launchctl service target of the agent in the GUI
// domain of uid.
func launchdService(uid int) string {
	return fmt.Sprintf("gui/%d/%s", uid, launchAgentLabel)
}

// launchdState extracts the job state from `launchctl print` output. The
// first "state = " line belongs to the job itself; nested blocks follow it.
func launchdState(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "state = "); ok {
			return v
		}
	}
	return ""
}

// launchdStatus turns the result of `launchctl print` into a status line.
func launchdStatus(out []byte, err error) string {
	if err != nil {
		return "installed but not loaded"
	}
	switch state := launchdState(out); state {
	case "running":
		return "running"
	case "":
		return "installed"
	default:
		return "installed (" + state + ")"
	}
}
