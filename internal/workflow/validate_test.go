package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseWorkflow parses an inline workflow source, requiring it to be
// syntactically valid. Validation tests use this to build workflows
// that parse fine but fail semantic checks.
func parseWorkflow(t *testing.T, src string) *Workflow {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wf.yml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	w, err := Load(path)
	require.NoError(t, err, "fixture workflow should parse")
	return w
}

// fieldMessages flattens validation errors into field → message for
// simple assertions.
func fieldMessages(errs []ValidationError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Field] = e.Message
	}
	return out
}

// --- ValidateWorkflow tests ---

// TestValidateWorkflow_Valid verifies the full client-ci fixture
// passes validation.
func TestValidateWorkflow_Valid(t *testing.T) {
	w, err := Load(filepath.Join(testdataPath(t), "client-ci.yml"))
	require.NoError(t, err)

	errs := ValidateWorkflow(w)
	assert.Empty(t, errs, "expected no validation errors, got: %v", errs)
}

// TestValidateWorkflow_Errors exercises each semantic check with a
// minimal broken workflow.
func TestValidateWorkflow_Errors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		field    string
		contains string
	}{
		{
			name: "no triggers",
			src: `
jobs:
  build:
    runs-on: local
    steps:
      - run: "true"
`,
			field:    "on",
			contains: "at least one trigger",
		},
		{
			name: "no jobs",
			src: `
on: push
jobs: {}
`,
			field:    "jobs",
			contains: "at least one job",
		},
		{
			name: "missing runs-on",
			src: `
on: push
jobs:
  build:
    steps:
      - run: "true"
`,
			field:    "jobs.build.runs-on",
			contains: "empty",
		},
		{
			name: "job needs itself",
			src: `
on: push
jobs:
  build:
    runs-on: local
    needs: build
    steps:
      - run: "true"
`,
			field:    "jobs.build.needs",
			contains: "itself",
		},
		{
			name: "needs undeclared job",
			src: `
on: push
jobs:
  build:
    runs-on: local
    needs: compile
    steps:
      - run: "true"
`,
			field:    "jobs.build.needs",
			contains: "undeclared",
		},
		{
			name: "negative job timeout",
			src: `
on: push
jobs:
  build:
    runs-on: local
    timeout-minutes: -5
    steps:
      - run: "true"
`,
			field:    "jobs.build.timeout-minutes",
			contains: "negative",
		},
		{
			name: "max-parallel above limit",
			src: `
on: push
jobs:
  build:
    runs-on: local
    strategy:
      max-parallel: 11
      matrix:
        os: [a, b]
    steps:
      - run: "true"
`,
			field:    "jobs.build.strategy.max-parallel",
			contains: "between 1 and 10",
		},
		{
			name: "empty matrix axis",
			src: `
on: push
jobs:
  build:
    runs-on: local
    strategy:
      matrix:
        os: []
    steps:
      - run: "true"
`,
			field:    "jobs.build.strategy.matrix.os",
			contains: "at least one value",
		},
		{
			name: "exclude references unknown axis",
			src: `
on: push
jobs:
  build:
    runs-on: local
    strategy:
      matrix:
        os: [linux, darwin]
        exclude:
          - arch: arm64
    steps:
      - run: "true"
`,
			field:    "jobs.build.strategy.matrix.exclude",
			contains: "arch",
		},
		{
			name: "service without image",
			src: `
on: push
jobs:
  build:
    runs-on: local
    services:
      db: {}
    steps:
      - run: "true"
`,
			field:    "jobs.build.services.db.image",
			contains: "empty",
		},
		{
			name: "service container port out of range",
			src: `
on: push
jobs:
  build:
    runs-on: local
    services:
      db:
        image: postgres:16
        ports: ["70000"]
    steps:
      - run: "true"
`,
			field:    "jobs.build.services.db.ports",
			contains: "70000",
		},
		{
			name: "duplicate explicit host ports",
			src: `
on: push
jobs:
  build:
    runs-on: local
    services:
      db:
        image: postgres:16
        ports: ["15432:5432"]
      cache:
        image: redis:7
        ports: ["15432:6379"]
    steps:
      - run: "true"
`,
			field:    "jobs.build.services",
			contains: "15432",
		},
		{
			name: "no steps",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps: []
`,
			field:    "jobs.build.steps",
			contains: "at least one step",
		},
		{
			name: "step without run",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps:
      - name: placeholder
`,
			field:    "jobs.build.steps[0].run",
			contains: "empty",
		},
		{
			name: "unknown shell",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps:
      - run: "true"
        shell: zsh
`,
			field:    "jobs.build.steps[0].shell",
			contains: "zsh",
		},
		{
			name: "unsupported if condition",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps:
      - run: "true"
        if: failure()
`,
			field:    "jobs.build.steps[0].if",
			contains: "always()",
		},
		{
			name: "expression references unknown matrix axis",
			src: `
on: push
jobs:
  build:
    runs-on: local
    strategy:
      matrix:
        os: [linux]
    steps:
      - run: echo ${{ matrix.arch }}
`,
			field:    "jobs.build.steps[0].run",
			contains: "arch",
		},
		{
			name: "expression references undeclared service",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps:
      - run: curl localhost:${{ services.db.ports.5432 }}
`,
			field:    "jobs.build.steps[0].run",
			contains: "db",
		},
		{
			name: "malformed expression",
			src: `
on: push
jobs:
  build:
    runs-on: local
    steps:
      - run: echo ${{ matrix.os
`,
			field:    "jobs.build.steps[0].run",
			contains: "unterminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := parseWorkflow(t, tt.src)

			errs := ValidateWorkflow(w)
			require.NotEmpty(t, errs, "expected validation errors")

			msgs := fieldMessages(errs)
			msg, ok := msgs[tt.field]
			require.True(t, ok, "expected an error on field %q, got: %v", tt.field, msgs)
			assert.Contains(t, msg, tt.contains)
		})
	}
}

// TestValidateWorkflow_IncludeAxisAllowed verifies that axes
// introduced only by include entries are legal in expressions.
func TestValidateWorkflow_IncludeAxisAllowed(t *testing.T) {
	w := parseWorkflow(t, `
on: push
jobs:
  build:
    runs-on: local
    strategy:
      matrix:
        os: [linux]
        include:
          - os: linux
            experimental: "true"
    steps:
      - run: echo ${{ matrix.experimental }}
`)

	errs := ValidateWorkflow(w)
	assert.Empty(t, errs, "include-only axes should be referenceable, got: %v", errs)
}

// --- TopoLevels tests ---

// TestTopoLevels verifies wave computation over a diamond dependency
// graph, with declaration order preserved inside each wave.
func TestTopoLevels(t *testing.T) {
	w := parseWorkflow(t, `
on: push
jobs:
  lint:
    runs-on: local
    steps:
      - run: make lint
  build:
    runs-on: local
    steps:
      - run: make build
  test:
    runs-on: local
    needs: [lint, build]
    steps:
      - run: make test
  publish:
    runs-on: local
    needs: test
    steps:
      - run: make publish
`)

	levels, err := TopoLevels(w)
	require.NoError(t, err)

	expected := [][]string{
		{"lint", "build"},
		{"test"},
		{"publish"},
	}
	assert.Equal(t, expected, levels)
}

// TestTopoLevels_Cycle verifies dependency cycles are reported.
func TestTopoLevels_Cycle(t *testing.T) {
	w := parseWorkflow(t, `
on: push
jobs:
  a:
    runs-on: local
    needs: b
    steps:
      - run: "true"
  b:
    runs-on: local
    needs: a
    steps:
      - run: "true"
`)

	_, err := TopoLevels(w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

// TestTopoLevels_UndeclaredNeed verifies missing dependencies are
// reported with both job names.
func TestTopoLevels_UndeclaredNeed(t *testing.T) {
	w := parseWorkflow(t, `
on: push
jobs:
  test:
    runs-on: local
    needs: build
    steps:
      - run: "true"
`)

	_, err := TopoLevels(w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"test"`)
	assert.Contains(t, err.Error(), `"build"`)
}
