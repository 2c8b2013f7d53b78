// Package config loads the optional runner configuration file.
//
// gantry.jsonc tunes the runner itself: directories, default shell,
// parallelism, base environment, and history retention. Workflows
// never depend on it, and a workspace without one runs entirely on
// defaults. The file is JSONC (JSON with comments), stripped with
// github.com/tidwall/jsonc before parsing with encoding/json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/gantry/internal/history"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/port"
)

const (
	// DefaultMaxParallel is the job instance concurrency used when the
	// configuration does not set one.
	DefaultMaxParallel = 4

	// DefaultHistoryKeep is how many runs the history database retains
	// by default.
	DefaultHistoryKeep = 50

	// MaxParallelLimit caps configured concurrency at the number of
	// port slots: more concurrent instances than slots could not hold
	// distinct port bands.
	MaxParallelLimit = port.SlotCount
)

// File is the raw JSON shape of gantry.jsonc. Unknown fields are
// ignored, so a config written for a newer version still loads.
type File struct {
	// WorkflowsDir is where workflow files live, relative to the
	// workspace unless absolute.
	WorkflowsDir string `json:"workflowsDir,omitempty"`

	// LogsDir is where job logs are written, relative to the
	// workspace unless absolute.
	LogsDir string `json:"logsDir,omitempty"`

	// DefaultShell interprets steps that declare no shell: "bash",
	// "sh", or "pwsh".
	DefaultShell string `json:"defaultShell,omitempty"`

	// MaxParallel caps concurrently running job instances.
	MaxParallel int `json:"maxParallel,omitempty"`

	// Env is layered over the process environment for every job.
	Env map[string]string `json:"env,omitempty"`

	// History toggles run recording. Omitted means enabled.
	History *bool `json:"history,omitempty"`

	// HistoryKeep is how many runs to retain when pruning.
	HistoryKeep int `json:"historyKeep,omitempty"`

	// PullImages is the service image pull policy: "missing",
	// "always", or "never".
	PullImages string `json:"pullImages,omitempty"`
}

// Config is the resolved runner configuration: defaults applied,
// enums parsed, and directories anchored to the workspace.
type Config struct {
	// Path is the file the configuration was loaded from. Empty when
	// the workspace has no config file.
	Path string

	// WorkflowsDir is the absolute directory workflow files are read
	// from.
	WorkflowsDir string

	// LogsDir is the absolute directory job logs are written under.
	LogsDir string

	// HistoryPath is the absolute path of the history database.
	HistoryPath string

	// DefaultShell interprets steps that declare no shell.
	DefaultShell model.ShellKind

	// MaxParallel caps concurrently running job instances.
	MaxParallel int

	// Env is layered over the process environment for every job.
	Env map[string]string

	// History reports whether run recording is enabled.
	History bool

	// HistoryKeep is how many runs to retain when pruning.
	HistoryKeep int

	// Pull is the service image pull policy.
	Pull model.PullPolicy
}

// Default returns the configuration a workspace gets without a config
// file.
func Default(workspace string) *Config {
	return &Config{
		WorkflowsDir: filepath.Join(workspace, ".gantry", "workflows"),
		LogsDir:      filepath.Join(workspace, ".gantry", "logs"),
		HistoryPath:  filepath.Join(workspace, ".gantry", history.DefaultFileName),
		DefaultShell: model.ShellBash,
		MaxParallel:  DefaultMaxParallel,
		History:      true,
		HistoryKeep:  DefaultHistoryKeep,
		Pull:         model.PullMissing,
	}
}

// Find searches the workspace for a config file in priority order:
//
//  1. <workspace>/gantry.jsonc
//  2. <workspace>/.gantry/config.jsonc
//
// It returns the first path that exists, or the empty string when the
// workspace has no config file. A missing config is not an error.
func Find(workspace string) string {
	candidates := []string{
		filepath.Join(workspace, "gantry.jsonc"),
		filepath.Join(workspace, ".gantry", "config.jsonc"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load resolves the configuration for a workspace. A non-empty
// explicitPath (the --config flag) bypasses discovery and must exist;
// otherwise Find locates the file, and a workspace without one yields
// the defaults.
func Load(workspace, explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = Find(workspace)
	}

	cfg := Default(workspace)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && explicitPath != "" {
			return nil, model.NewCLIError(
				model.ExitGeneralError,
				fmt.Sprintf("config file not found: %s", explicitPath),
			)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Strip JSONC comments and trailing commas before parsing.
	var file File
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, model.WrapCLIError(
			model.ExitGeneralError,
			fmt.Sprintf("failed to parse config file %s", path),
			err,
		)
	}

	if err := apply(cfg, &file, workspace); err != nil {
		return nil, model.WrapCLIError(
			model.ExitGeneralError,
			fmt.Sprintf("invalid config file %s", path),
			err,
		)
	}
	cfg.Path = path
	return cfg, nil
}

// apply overlays the file's settings onto the defaults, validating as
// it goes.
func apply(cfg *Config, file *File, workspace string) error {
	if file.WorkflowsDir != "" {
		cfg.WorkflowsDir = anchor(workspace, file.WorkflowsDir)
	}
	if file.LogsDir != "" {
		cfg.LogsDir = anchor(workspace, file.LogsDir)
	}

	if file.DefaultShell != "" {
		shell, err := model.ParseShellKind(file.DefaultShell)
		if err != nil {
			return fmt.Errorf("defaultShell: %w", err)
		}
		cfg.DefaultShell = shell
	}

	switch {
	case file.MaxParallel < 0:
		return fmt.Errorf("maxParallel must not be negative, got %d", file.MaxParallel)
	case file.MaxParallel > MaxParallelLimit:
		return fmt.Errorf("maxParallel %d exceeds the limit of %d", file.MaxParallel, MaxParallelLimit)
	case file.MaxParallel > 0:
		cfg.MaxParallel = file.MaxParallel
	}

	if len(file.Env) > 0 {
		cfg.Env = file.Env
	}

	if file.History != nil {
		cfg.History = *file.History
	}
	if file.HistoryKeep < 0 {
		return fmt.Errorf("historyKeep must not be negative, got %d", file.HistoryKeep)
	}
	if file.HistoryKeep > 0 {
		cfg.HistoryKeep = file.HistoryKeep
	}

	if file.PullImages != "" {
		pull, err := model.ParsePullPolicy(file.PullImages)
		if err != nil {
			return fmt.Errorf("pullImages: %w", err)
		}
		cfg.Pull = pull
	}

	return nil
}

// anchor resolves a configured directory against the workspace unless
// it is already absolute.
func anchor(workspace, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}
