package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/reindeer/friedn-agent/internal/config"
	"github.com/reindeer/friedn-agent/internal/failure"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FRIEDN_AGENT_CONFIG", "FRIEDN_AGENT_HOST", "FRIEDN_AGENT_PORT",
		"FRIEDN_AGENT_READER", "FRIEDN_AGENT_STATE", "FRIEDN_AGENT_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestParseArgs_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, opts, err := parseArgs(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, "", opts.command)
	assert.False(t, opts.noTray)
}

func TestParseArgs_Precedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 40000\nreader: File Reader\nhost: 0.0.0.0\n"), 0644))
	t.Setenv("FRIEDN_AGENT_READER", "Env Reader")

	cfg, opts, err := parseArgs([]string{"--config", path, "--port", "40001", "--no-tray", "provision"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 40001, cfg.Port, "flag beats file")
	assert.Equal(t, "Env Reader", cfg.Reader, "env beats file")
	assert.Equal(t, "0.0.0.0", cfg.Host, "file beats default")
	assert.True(t, opts.noTray)
	assert.Equal(t, "provision", opts.command)
	assert.Equal(t, path, opts.configPath)
}

func TestParseArgs_Errors(t *testing.T) {
	clearEnv(t)

	_, _, err := parseArgs([]string{"--port", "0"}, io.Discard)
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"--bogus"}, io.Discard)
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"serve", "extra"}, io.Discard)
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard)
	assert.Error(t, err)

	var usage bytes.Buffer
	_, _, err = parseArgs([]string{"--help"}, &usage)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
	assert.Contains(t, usage.String(), "provision")
}

type scriptedFlow struct {
	begin     provision.Status
	beginErr  error
	updates   chan provision.Status
	cancelled bool
}

func (f *scriptedFlow) Begin() (provision.Status, error) { return f.begin, f.beginErr }

func (f *scriptedFlow) Cancel() (provision.Status, error) {
	f.cancelled = true
	return provision.Status{Phase: provision.PhaseIdle}, nil
}

func (f *scriptedFlow) Subscribe() (<-chan provision.Status, func()) {
	return f.updates, func() {}
}

func TestWaitForTag(t *testing.T) {
	waiting := provision.Status{Phase: provision.PhaseWaiting, Message: provision.MessageWaiting}

	t.Run("written", func(t *testing.T) {
		f := &scriptedFlow{begin: waiting, updates: make(chan provision.Status, 2)}
		f.updates <- waiting
		f.updates <- provision.Status{Phase: provision.PhaseSuccess, Message: provision.MessageSuccess, TagUID: "04a1b2"}

		var out bytes.Buffer
		assert.Equal(t, 0, waitForTag(context.Background(), f, &out))
		assert.Contains(t, out.String(), "Tag written successfully (tag 04a1b2)")
	})

	t.Run("write failed", func(t *testing.T) {
		f := &scriptedFlow{begin: waiting, updates: make(chan provision.Status, 1)}
		f.updates <- provision.Status{Phase: provision.PhaseFailure, Message: failure.NotWritable.Message()}

		var out bytes.Buffer
		assert.Equal(t, 1, waitForTag(context.Background(), f, &out))
		assert.Contains(t, out.String(), failure.NotWritable.Message())
	})

	t.Run("no hardware", func(t *testing.T) {
		f := &scriptedFlow{
			begin:   provision.Status{Phase: provision.PhaseFailure, Message: failure.HardwareUnavailable.Message()},
			updates: make(chan provision.Status),
		}
		var out bytes.Buffer
		assert.Equal(t, 1, waitForTag(context.Background(), f, &out))
		assert.Contains(t, out.String(), failure.HardwareUnavailable.Message())
	})

	t.Run("already written", func(t *testing.T) {
		f := &scriptedFlow{
			begin:   provision.Status{Phase: provision.PhaseSuccess, Message: provision.MessageProvisioned, HasWrittenTag: true},
			updates: make(chan provision.Status),
		}
		var out bytes.Buffer
		assert.Equal(t, 0, waitForTag(context.Background(), f, &out))
		assert.Contains(t, out.String(), provision.MessageProvisioned)
	})

	t.Run("loop stopped", func(t *testing.T) {
		f := &scriptedFlow{beginErr: provision.ErrNotRunning, updates: make(chan provision.Status)}
		assert.Equal(t, 1, waitForTag(context.Background(), f, io.Discard))
	})

	t.Run("interrupted", func(t *testing.T) {
		f := &scriptedFlow{begin: waiting, updates: make(chan provision.Status)}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var out bytes.Buffer
		assert.Equal(t, 1, waitForTag(ctx, f, &out))
		assert.True(t, f.cancelled)
		assert.Contains(t, out.String(), "Cancelled")
	})
}
