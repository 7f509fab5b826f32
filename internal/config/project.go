package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ProjectFileName is the per-repository config file read from the repo root
const ProjectFileName = ".ticketsmith.toml"

// ProjectConfig describes how to validate agent output for one repository
type ProjectConfig struct {
	BaseBranch   string `toml:"base_branch"`
	TestCommand  string `toml:"test_command"`
	LintCommand  string `toml:"lint_command"`
	BuildCommand string `toml:"build_command"`
	Notes        string `toml:"notes"` // extra context passed into the agent prompt
}

// LoadProject reads the project config from the repo root.
// A missing file yields defaults; a malformed file is an error so the
// pipeline can refuse to run against a repo it cannot validate.
func LoadProject(repoDir string) (*ProjectConfig, error) {
	cfg := &ProjectConfig{BaseBranch: "main"}

	data, err := os.ReadFile(filepath.Join(repoDir, ProjectFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ProjectFileName, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ProjectFileName, err)
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return cfg, nil
}
