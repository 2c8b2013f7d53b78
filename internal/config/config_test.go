package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// writeConfig writes a config file at the given path relative to the
// workspace, making parent directories as needed.
func writeConfig(t *testing.T, workspace, rel, content string) string {
	t.Helper()

	path := filepath.Join(workspace, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// requireCLIError asserts an error carries the expected exit code.
func requireCLIError(t *testing.T, err error, code model.ExitCode) *model.CLIError {
	t.Helper()

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	require.Equal(t, code, cliErr.Code)
	return cliErr
}

// --- Load tests ---

// TestLoad_Defaults verifies a workspace without a config file runs
// entirely on defaults.
func TestLoad_Defaults(t *testing.T) {
	ws := t.TempDir()

	cfg, err := Load(ws, "")
	require.NoError(t, err)

	assert.Empty(t, cfg.Path)
	assert.Equal(t, filepath.Join(ws, ".gantry", "workflows"), cfg.WorkflowsDir)
	assert.Equal(t, filepath.Join(ws, ".gantry", "logs"), cfg.LogsDir)
	assert.Equal(t, filepath.Join(ws, ".gantry", "history.db"), cfg.HistoryPath)
	assert.Equal(t, model.ShellBash, cfg.DefaultShell)
	assert.Equal(t, DefaultMaxParallel, cfg.MaxParallel)
	assert.True(t, cfg.History)
	assert.Equal(t, DefaultHistoryKeep, cfg.HistoryKeep)
	assert.Equal(t, model.PullMissing, cfg.Pull)
	assert.Empty(t, cfg.Env)
}

// TestLoad_FullFile verifies every setting can be overridden, and
// that JSONC comments and trailing commas are accepted.
func TestLoad_FullFile(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "gantry.jsonc", `{
		// Runner settings for this repository.
		"workflowsDir": "ci/workflows",
		"logsDir": "ci/logs",
		"defaultShell": "sh",
		"maxParallel": 2,
		"env": {
			"REGISTRY": "registry.example.com", // trailing comma below
		},
		"history": false,
		"historyKeep": 5,
		"pullImages": "never",
	}`)

	cfg, err := Load(ws, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ws, "gantry.jsonc"), cfg.Path)
	assert.Equal(t, filepath.Join(ws, "ci", "workflows"), cfg.WorkflowsDir)
	assert.Equal(t, filepath.Join(ws, "ci", "logs"), cfg.LogsDir)
	assert.Equal(t, model.ShellSh, cfg.DefaultShell)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, map[string]string{"REGISTRY": "registry.example.com"}, cfg.Env)
	assert.False(t, cfg.History)
	assert.Equal(t, 5, cfg.HistoryKeep)
	assert.Equal(t, model.PullNever, cfg.Pull)
}

// TestLoad_StateDirFallback verifies .gantry/config.jsonc is found
// when the workspace root has no gantry.jsonc.
func TestLoad_StateDirFallback(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, filepath.Join(".gantry", "config.jsonc"), `{"maxParallel": 3}`)

	cfg, err := Load(ws, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ws, ".gantry", "config.jsonc"), cfg.Path)
	assert.Equal(t, 3, cfg.MaxParallel)
}

// TestLoad_RootFileWins verifies the workspace root file takes
// priority over the state directory one.
func TestLoad_RootFileWins(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "gantry.jsonc", `{"maxParallel": 1}`)
	writeConfig(t, ws, filepath.Join(".gantry", "config.jsonc"), `{"maxParallel": 9}`)

	cfg, err := Load(ws, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxParallel)
}

// TestLoad_ExplicitPath verifies --config bypasses discovery and that
// a missing explicit file is an error rather than a silent default.
func TestLoad_ExplicitPath(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, ws, filepath.Join("custom", "runner.jsonc"), `{"maxParallel": 6}`)
	writeConfig(t, ws, "gantry.jsonc", `{"maxParallel": 1}`)

	cfg, err := Load(ws, path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.MaxParallel)
	assert.Equal(t, path, cfg.Path)

	_, err = Load(ws, filepath.Join(ws, "missing.jsonc"))
	cliErr := requireCLIError(t, err, model.ExitGeneralError)
	assert.Contains(t, cliErr.Message, "config file not found")
}

// TestLoad_Malformed verifies a syntactically broken file fails with
// a general CLI error naming the file.
func TestLoad_Malformed(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "gantry.jsonc", `{"maxParallel": `)

	_, err := Load(ws, "")
	cliErr := requireCLIError(t, err, model.ExitGeneralError)
	assert.Contains(t, cliErr.Message, "failed to parse config file")
}

// TestLoad_InvalidValues verifies the per-field validation errors.
func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown shell",
			content: `{"defaultShell": "zsh"}`,
			wantErr: "defaultShell",
		},
		{
			name:    "unknown pull policy",
			content: `{"pullImages": "sometimes"}`,
			wantErr: "pullImages",
		},
		{
			name:    "negative maxParallel",
			content: `{"maxParallel": -1}`,
			wantErr: "must not be negative",
		},
		{
			name:    "maxParallel above slot count",
			content: `{"maxParallel": 11}`,
			wantErr: "exceeds the limit of 10",
		},
		{
			name:    "negative historyKeep",
			content: `{"historyKeep": -2}`,
			wantErr: "must not be negative",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := t.TempDir()
			writeConfig(t, ws, "gantry.jsonc", tc.content)

			_, err := Load(ws, "")
			requireCLIError(t, err, model.ExitGeneralError)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

// TestLoad_AbsoluteDirs verifies absolute directories are kept as
// given instead of being re-anchored.
func TestLoad_AbsoluteDirs(t *testing.T) {
	ws := t.TempDir()
	logs := filepath.Join(t.TempDir(), "logs")
	writeConfig(t, ws, "gantry.jsonc", `{"logsDir": `+jsonString(logs)+`}`)

	cfg, err := Load(ws, "")
	require.NoError(t, err)
	assert.Equal(t, logs, cfg.LogsDir)
}

// TestFind verifies candidate probing order.
func TestFind(t *testing.T) {
	ws := t.TempDir()
	assert.Empty(t, Find(ws))

	state := writeConfig(t, ws, filepath.Join(".gantry", "config.jsonc"), `{}`)
	assert.Equal(t, state, Find(ws))

	root := writeConfig(t, ws, "gantry.jsonc", `{}`)
	assert.Equal(t, root, Find(ws))
}

// jsonString quotes a path for embedding in test config content.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
