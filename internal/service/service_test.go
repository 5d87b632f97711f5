package service

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.entry")
	tmpl := template.Must(template.New("t").Parse("{{.Label}} {{.ExecutablePath}}\n"))

	require.NoError(t, writeEntry(path, tmpl, entryData{Label: "friedn", ExecutablePath: "/bin/agent"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "friedn /bin/agent\n", string(data))
	assert.True(t, exists(path))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, removeEntry(path))
	assert.False(t, exists(path))
	assert.NoError(t, removeEntry(path), "removing a missing entry")
}

func TestWriteEntryTemplateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.entry")
	tmpl := template.Must(template.New("t").Parse("{{.Missing}}"))

	assert.Error(t, writeEntry(path, tmpl, entryData{}))
	assert.False(t, exists(path))
}

const launchctlPrint = `gui/501/org.reindeer.friedn-agent = {
	active count = 1
	path = /Users/dana/Library/LaunchAgents/org.reindeer.friedn-agent.plist
	type = LaunchAgent
	state = running

	program = /Applications/friedn-agent
	endpoints = {
		"sub" = {
			state = waiting
		}
	}
	pid = 812
}
`

func TestLaunchdStatus(t *testing.T) {
	assert.Equal(t, "gui/501/org.reindeer.friedn-agent", launchdService(501))

	assert.Equal(t, "running", launchdState([]byte(launchctlPrint)))
	assert.Equal(t, "running", launchdStatus([]byte(launchctlPrint), nil))
	assert.Equal(t, "installed (not running)", launchdStatus([]byte("\tstate = not running\n"), nil))
	assert.Equal(t, "installed", launchdStatus([]byte("{}"), nil))
	assert.Equal(t, "installed but not loaded",
		launchdStatus([]byte("Could not find service"), errors.New("exit status 113")))
}
