// Package cli — cli_test.go contains unit tests for the pure formatting
// functions used by CLI output helpers.
//
// These tests verify data transformation logic without requiring a Docker
// daemon or any external dependencies.
package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// writeTempWorkflow writes a workflow file under dir and returns its
// path.
func writeTempWorkflow(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// TestFormatPortMappings verifies that FormatPortMappings correctly
// converts a slice of ServicePorts into a comma-separated string of
// host->container pairs.
func TestFormatPortMappings(t *testing.T) {
	tests := []struct {
		name  string
		ports []model.ServicePort
		want  string
	}{
		{
			name:  "empty ports returns dash",
			ports: []model.ServicePort{},
			want:  "-",
		},
		{
			name:  "nil ports returns dash",
			ports: nil,
			want:  "-",
		},
		{
			name: "single mapping",
			ports: []model.ServicePort{
				{ServiceName: "hugegraph", ContainerPort: 8080, HostPort: 18080, Protocol: "tcp"},
			},
			want: "18080->8080",
		},
		{
			name: "multiple mappings sorted by host port",
			ports: []model.ServicePort{
				{ServiceName: "cache", ContainerPort: 6379, HostPort: 16379, Protocol: "tcp"},
				{ServiceName: "db", ContainerPort: 5432, HostPort: 15432, Protocol: "tcp"},
				{ServiceName: "app", ContainerPort: 8080, HostPort: 18080, Protocol: "tcp"},
			},
			want: "15432->5432,16379->6379,18080->8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatPortMappings(tt.ports)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestShortRunID verifies that ShortRunID abbreviates UUIDs while
// leaving already-short identifiers alone.
func TestShortRunID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{
			name: "full uuid is truncated to eight characters",
			id:   "3f2a9c1d-6f70-4b5e-9a1e-2b8cd9e44f10",
			want: "3f2a9c1d",
		},
		{
			name: "short id is unchanged",
			id:   "abc",
			want: "abc",
		},
		{
			name: "empty id is unchanged",
			id:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShortRunID(tt.id))
		})
	}
}

// TestFormatDuration verifies the duration rendering used by the run
// and history tables.
func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{
			name: "sub-second keeps one decimal",
			d:    450 * time.Millisecond,
			want: "0.5s",
		},
		{
			name: "seconds keep one decimal",
			d:    12*time.Second + 340*time.Millisecond,
			want: "12.3s",
		},
		{
			name: "minutes round to whole seconds",
			d:    3*time.Minute + 7*time.Second + 600*time.Millisecond,
			want: "3m8s",
		},
		{
			name: "negative clamps to zero",
			d:    -5 * time.Second,
			want: "0.0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.d))
		})
	}
}

// TestJobDetail verifies the detail column shown in the per-job
// result table.
func TestJobDetail(t *testing.T) {
	tests := []struct {
		name string
		job  model.JobResult
		want string
	}{
		{
			name: "job-level error wins",
			job: model.JobResult{
				Status:   model.StatusFailure,
				Error:    "port allocation failed",
				ExitCode: 1,
			},
			want: "port allocation failed",
		},
		{
			name: "failing step shows its exit code",
			job: model.JobResult{
				Status:   model.StatusFailure,
				ExitCode: 7,
			},
			want: "exit code 7",
		},
		{
			name: "success shows the log path",
			job: model.JobResult{
				Status:  model.StatusSuccess,
				LogPath: ".gantry/logs/run/lint.log",
			},
			want: ".gantry/logs/run/lint.log",
		},
		{
			name: "skipped job shows nothing",
			job: model.JobResult{
				Status: model.StatusSkipped,
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobDetail(&tt.job))
		})
	}
}

// TestValidateFile verifies per-file validation reporting for a good
// file, a semantically broken file, and an unparseable file.
func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	good := writeTempWorkflow(t, dir, "ci.yml", `
name: ci
on: push
jobs:
  lint:
    runs-on: local
    steps:
      - run: echo ok
`)
	badNeeds := writeTempWorkflow(t, dir, "bad.yml", `
name: bad
on: push
jobs:
  test:
    runs-on: local
    needs: missing
    steps:
      - run: echo ok
`)
	unparseable := writeTempWorkflow(t, dir, "broken.yml", "jobs: [:::\n")

	t.Run("valid file", func(t *testing.T) {
		report := validateFile(good)
		assert.True(t, report.Valid)
		assert.Equal(t, "ci", report.Name)
		assert.Equal(t, 1, report.Jobs)
		assert.Empty(t, report.Errors)
	})

	t.Run("semantic error", func(t *testing.T) {
		report := validateFile(badNeeds)
		assert.False(t, report.Valid)
		assert.Equal(t, "bad", report.Name)
		assert.NotEmpty(t, report.Errors)
	})

	t.Run("parse error", func(t *testing.T) {
		report := validateFile(unparseable)
		assert.False(t, report.Valid)
		assert.Len(t, report.Errors, 1)
	})
}

// TestJobDetailSkippedWithError covers dependents blocked by a failed
// dependency, which carry an explanation but no exit code.
func TestJobDetailSkippedWithError(t *testing.T) {
	job := model.JobResult{
		Status: model.StatusSkipped,
		Error:  `dependency "lint" did not succeed`,
	}
	assert.Equal(t, `dependency "lint" did not succeed`, jobDetail(&job))
}

// TestBuildListRow verifies the workflow inventory rows: declared
// events, job counts, and matrix-expanded instance counts.
func TestBuildListRow(t *testing.T) {
	dir := t.TempDir()

	path := writeTempWorkflow(t, dir, "ci.yml", `
name: inventory
on:
  push:
    branches: [main]
  workflow_dispatch:
jobs:
  lint:
    runs-on: local
    steps:
      - run: echo lint
  test:
    runs-on: local
    strategy:
      matrix:
        python-version: ["3.10", "3.11", "3.12"]
    steps:
      - run: echo test
`)

	row := buildListRow(dir, path)
	assert.Empty(t, row.Error)
	assert.Equal(t, "inventory", row.Name)
	assert.Equal(t, "ci.yml", row.File)
	assert.Equal(t, []string{"push", "workflow_dispatch"}, row.On)
	assert.Equal(t, 2, row.Jobs)
	assert.Equal(t, 4, row.Instances)
}

// TestBuildListRow_BrokenFile verifies that an unparseable file yields
// an error row instead of failing the listing.
func TestBuildListRow_BrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTempWorkflow(t, dir, "broken.yml", "jobs: [:::\n")

	row := buildListRow(dir, path)
	assert.NotEmpty(t, row.Error)
	assert.Empty(t, row.Name)
	assert.Equal(t, "broken.yml", row.File)
}
