package main

import (
	"fmt"

	"github.com/reindeer/friedn-agent/internal/config"
	"github.com/reindeer/friedn-agent/internal/core"
	"github.com/reindeer/friedn-agent/internal/journal"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/reindeer/friedn-agent/internal/settings"
	"github.com/reindeer/friedn-agent/internal/version"
	"github.com/reindeer/friedn-agent/internal/writer"
)

// agent is the wired provisioning stack shared by serve and provision.
type agent struct {
	store   *settings.Store
	journal *journal.FileJournal
	radio   *core.PCSCRadio
	orch    *provision.Orchestrator
}

func newAgent(cfg *config.Config, store *settings.Store) (*agent, error) {
	a := &agent{
		store: store,
		radio: core.NewPCSCRadio(nil, cfg.Reader),
	}

	opts := provision.Options{
		Radio:   a.radio,
		Writer:  writer.New(),
		Flags:   store,
		Version: version.Get,
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		opts.Journal = j
	}
	a.orch = provision.New(opts)
	return a, nil
}

func (a *agent) close() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to close journal", map[string]any{
			"error": err.Error(),
		})
	}
}

// openSettings opens the settings store. A corrupt file is reported and
// replaced by defaults.
func openSettings(cfg *config.Config) *settings.Store {
	store, err := settings.Open(cfg.StatePath)
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"path":  cfg.StatePath,
			"error": err.Error(),
		})
	}
	return store
}
