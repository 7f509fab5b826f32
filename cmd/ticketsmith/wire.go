package main

import (
	"fmt"

	"github.com/fernwerk/ticketsmith/internal/agent"
	"github.com/fernwerk/ticketsmith/internal/codehost"
	"github.com/fernwerk/ticketsmith/internal/config"
	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/prompts"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/runstore"
	"github.com/fernwerk/ticketsmith/internal/tracker"
	"github.com/fernwerk/ticketsmith/internal/workspace"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// app bundles the wired components behind the CLI commands
type app struct {
	cfg       *config.Config
	tracker   tracker.Tracker
	registry  *roles.Registry
	store     *runstore.Store
	proposals *escalate.Store
	escalator *escalate.Service
	orch      *pipeline.Orchestrator
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp wires everything a pipeline run needs. Commands that only
// read state use buildReadOnly instead.
func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.General.RepoDir == "" {
		return nil, fmt.Errorf("repo_dir not configured")
	}

	apiKey := cfg.Tracker.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("tracker API key not set (export %s)", cfg.Tracker.APIKeyEnv)
	}
	trk := tracker.NewClient(cfg.Tracker.Endpoint, apiKey, cfg.Tracker.Team)

	registry, err := roles.Load(cfg.General.RolesPath)
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	proposals, err := escalate.NewStore(cfg.General.ProposalDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening proposal store: %w", err)
	}
	escalator := escalate.NewService(proposals, registry, trk)

	orch := &pipeline.Orchestrator{
		Tracker:     trk,
		Roles:       registry,
		Workspaces:  workspace.NewManager(cfg.General.RepoDir, cfg.General.WorktreeDir),
		Runner:      agent.NewCLIRunner(cfg.Agent.Binary),
		Host:        codehost.NewGitHub(cfg.General.RepoDir),
		Prompts:     prompts.DefaultLoader(cfg.General.RepoDir),
		Escalations: escalator,
		Store:       store,
		Config:      cfg,
	}

	return &app{
		cfg:       cfg,
		tracker:   trk,
		registry:  registry,
		store:     store,
		proposals: proposals,
		escalator: escalator,
		orch:      orch,
	}, nil
}

// buildReadOnly wires only the local stores, without tracker
// credentials or a repo checkout
func buildReadOnly() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	registry, err := roles.Load(cfg.General.RolesPath)
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	proposals, err := escalate.NewStore(cfg.General.ProposalDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		proposals: proposals,
	}, nil
}
