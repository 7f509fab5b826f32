package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Tracker       TrackerConfig       `toml:"tracker"`
	Agent         AgentConfig         `toml:"agent"`
	Batch         BatchConfig         `toml:"batch"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoDir       string `toml:"repo_dir"`
	WorktreeDir   string `toml:"worktree_dir"`
	DatabasePath  string `toml:"database_path"`
	TranscriptDir string `toml:"transcript_dir"`
	ProposalDir   string `toml:"proposal_dir"`
	RolesPath     string `toml:"roles_path"`
	MaxAttempts   int    `toml:"max_attempts"`
	DefaultRole   string `toml:"default_role"`
	ReviewerRole  string `toml:"reviewer_role"`
}

// TrackerConfig holds tracker API settings.
// The API key is read from the environment, never from the config file.
type TrackerConfig struct {
	Endpoint  string `toml:"endpoint"`
	Team      string `toml:"team"`
	Project   string `toml:"project"`
	APIKeyEnv string `toml:"api_key_env"`
}

// APIKey resolves the tracker API key from the configured environment variable
func (c *TrackerConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// AgentConfig holds agent execution settings
type AgentConfig struct {
	Binary               string `toml:"binary"`
	TimeoutMinutes       int    `toml:"timeout_minutes"`
	ReviewTimeoutMinutes int    `toml:"review_timeout_minutes"`
}

// Timeout returns the per-attempt wall-clock limit
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ReviewTimeout returns the wall-clock limit for the review sub-run
func (c *AgentConfig) ReviewTimeout() time.Duration {
	return time.Duration(c.ReviewTimeoutMinutes) * time.Minute
}

// BatchConfig holds batch driver settings
type BatchConfig struct {
	Label          string `toml:"label"`
	Limit          int    `toml:"limit"`
	Workers        int    `toml:"workers"`
	LockPath       string `toml:"lock_path"`
	LockTTLMinutes int    `toml:"lock_ttl_minutes"`
	SchedulePath   string `toml:"schedule_path"`
}

// LockTTL returns how long a batch lock may be held before it is
// considered abandoned by a crashed process
func (c *BatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".ticketsmith")
	return &Config{
		General: GeneralConfig{
			WorktreeDir:   filepath.Join(base, "worktrees"),
			DatabasePath:  filepath.Join(base, "ticketsmith.db"),
			TranscriptDir: filepath.Join(base, "transcripts"),
			ProposalDir:   filepath.Join(base, "proposals"),
			RolesPath:     filepath.Join(base, "roles.yaml"),
			MaxAttempts:   3,
			DefaultRole:   "default",
			ReviewerRole:  "reviewer",
		},
		Tracker: TrackerConfig{
			Endpoint:  "https://api.linear.app/graphql",
			APIKeyEnv: "LINEAR_API_KEY",
		},
		Agent: AgentConfig{
			Binary:               "claude",
			TimeoutMinutes:       30,
			ReviewTimeoutMinutes: 10,
		},
		Batch: BatchConfig{
			Label:          "autopilot",
			Limit:          10,
			Workers:        3,
			LockPath:       filepath.Join(base, "batch.lock"),
			LockTTLMinutes: 360,
			SchedulePath:   filepath.Join(base, "schedule.toml"),
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.TranscriptDir = ExpandPath(cfg.General.TranscriptDir)
	cfg.General.ProposalDir = ExpandPath(cfg.General.ProposalDir)
	cfg.General.RolesPath = ExpandPath(cfg.General.RolesPath)
	cfg.Batch.LockPath = ExpandPath(cfg.Batch.LockPath)
	cfg.Batch.SchedulePath = ExpandPath(cfg.Batch.SchedulePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ticketsmith", "config.toml")
}
