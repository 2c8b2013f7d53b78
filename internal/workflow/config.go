// Package workflow handles parsing and analysis of workflow YAML files.
//
// A workflow file declares trigger events, jobs, matrix strategies,
// service containers, and shell steps. This package uses gopkg.in/yaml.v3
// for parsing because several fields are shape-polymorphic: the "on"
// block accepts a string, a list, or a mapping; "needs" accepts a string
// or a list; service ports accept integers or "host:container" strings.
//
// Key responsibilities:
//   - Load and parse workflow files
//   - Preserve job declaration order (it breaks scheduling ties)
//   - Locate workflow files in the standard directory
//   - Validate workflows before planning (validate.go)
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// DefaultDir is the standard workflow file location relative to the
// workspace root.
const DefaultDir = ".gantry/workflows"

// Workflow is the parsed representation of a single workflow file.
// Unknown top-level and job-level keys are silently ignored during
// parsing, matching encoding/json's behavior for unknown fields; step
// keys are checked strictly because typos there are the most harmful.
type Workflow struct {
	// Name is the workflow's display name. Defaults to the file stem
	// when the file omits it.
	Name string `yaml:"name"`

	// On declares which events trigger the workflow.
	On Triggers `yaml:"on"`

	// Env sets environment variables for every job in the workflow.
	Env map[string]string `yaml:"env,omitempty"`

	// Jobs holds the job definitions in declaration order.
	Jobs Jobs `yaml:"jobs"`

	// Path is the source file the workflow was loaded from.
	// Set by Load, not by the YAML decoder.
	Path string `yaml:"-"`
}

// Triggers records which events a workflow responds to. A nil filter
// means the event is not declared; an empty filter matches every branch.
type Triggers struct {
	// Push holds the push trigger's branch filter, or nil when the
	// workflow does not respond to pushes.
	Push *BranchFilter

	// PullRequest holds the pull_request trigger's branch filter, or
	// nil when the workflow does not respond to pull requests.
	PullRequest *BranchFilter

	// Dispatch is true when the workflow declares workflow_dispatch.
	// Manual runs match every workflow regardless of this flag; the
	// declaration only affects event filtering for push/pull_request
	// simulations.
	Dispatch bool
}

// BranchFilter restricts a trigger to a set of branch patterns.
// Patterns support "*" (does not cross "/") and "**" (crosses "/"),
// e.g. "release-*" or "feature/**".
type BranchFilter struct {
	// Branches lists the branch patterns. Empty means all branches.
	Branches []string `yaml:"branches,omitempty"`
}

// UnmarshalYAML accepts the three shapes the "on" block can take:
// a bare event name, a list of event names, or a mapping from event
// names to branch filters.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		return t.enable(name, nil)

	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			if err := t.enable(name, nil); err != nil {
				return err
			}
		}
		return nil

	case yaml.MappingNode:
		// Mapping node content alternates key, value, key, value.
		for i := 0; i+1 < len(value.Content); i += 2 {
			keyNode := value.Content[i]
			valueNode := value.Content[i+1]

			// A bare "push:" with no body parses as a null node,
			// which means "all branches".
			filter := &BranchFilter{}
			if valueNode.Tag != "!!null" {
				if err := valueNode.Decode(filter); err != nil {
					return fmt.Errorf("trigger %q: %w", keyNode.Value, err)
				}
			}
			if err := t.enable(keyNode.Value, filter); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("invalid \"on\" block: expected an event name, a list of event names, or a mapping")
}

// enable records a trigger declaration by event name.
func (t *Triggers) enable(event string, filter *BranchFilter) error {
	if filter == nil {
		filter = &BranchFilter{}
	}
	switch event {
	case string(model.EventPush):
		t.Push = filter
	case string(model.EventPullRequest):
		t.PullRequest = filter
	case string(model.EventDispatch):
		t.Dispatch = true
	default:
		return fmt.Errorf("unsupported trigger event %q (valid: push, pull_request, workflow_dispatch)", event)
	}
	return nil
}

// Declared reports whether the workflow declares any trigger at all.
func (t *Triggers) Declared() bool {
	return t.Push != nil || t.PullRequest != nil || t.Dispatch
}

// Jobs is an order-preserving collection of job definitions. YAML
// mappings lose declaration order when decoded into a plain Go map,
// but the order matters here: it breaks ties when scheduling jobs at
// the same dependency depth.
type Jobs struct {
	names  []string
	byName map[string]*Job
}

// UnmarshalYAML walks the mapping node directly so the declaration
// order of job names survives decoding.
func (j *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("jobs must be a mapping of job names to job definitions")
	}
	j.byName = make(map[string]*Job, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		if _, exists := j.byName[name]; exists {
			return fmt.Errorf("duplicate job name %q", name)
		}

		job := &Job{}
		if err := value.Content[i+1].Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
		job.Name = name
		j.names = append(j.names, name)
		j.byName[name] = job
	}
	return nil
}

// Names returns the job names in declaration order.
func (j *Jobs) Names() []string {
	return j.names
}

// Get returns the job with the given name.
func (j *Jobs) Get(name string) (*Job, bool) {
	job, ok := j.byName[name]
	return job, ok
}

// Len returns the number of declared jobs.
func (j *Jobs) Len() int {
	return len(j.names)
}

// Job is a single job definition within a workflow.
type Job struct {
	// Name is the job's key in the jobs mapping. Set by the Jobs
	// decoder, not by a YAML field.
	Name string `yaml:"-"`

	// RunsOn is an informational runner label (e.g. "local"). It must
	// be non-empty but is not otherwise interpreted: every job runs on
	// the host gantry itself runs on.
	RunsOn string `yaml:"runs-on"`

	// Needs lists jobs that must succeed before this one starts.
	Needs StringList `yaml:"needs,omitempty"`

	// Env sets environment variables for every step in the job,
	// overriding workflow-level values of the same name.
	Env map[string]string `yaml:"env,omitempty"`

	// TimeoutMinutes bounds the whole job including service startup.
	// Zero means no job-level timeout.
	TimeoutMinutes int `yaml:"timeout-minutes,omitempty"`

	// Strategy configures matrix expansion and scheduling for the job.
	Strategy *Strategy `yaml:"strategy,omitempty"`

	// Services declares containers started before the job's steps and
	// removed after the job finishes, keyed by service name.
	Services map[string]Service `yaml:"services,omitempty"`

	// Steps holds the commands executed sequentially within the job.
	Steps []Step `yaml:"steps"`
}

// StringList accepts either a single string or a list of strings,
// the two shapes the "needs" field allows.
type StringList []string

// UnmarshalYAML normalizes both accepted shapes into a slice.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	}
	return fmt.Errorf("expected a string or a list of strings")
}

// Strategy configures how a job's matrix expands and schedules.
type Strategy struct {
	// FailFast cancels the job's remaining matrix instances when one
	// fails. Defaults to true; use FailFastEnabled to read it.
	FailFast *bool `yaml:"fail-fast,omitempty"`

	// MaxParallel caps how many matrix instances run concurrently.
	// Zero means the runner configuration's default applies. The cap
	// may not exceed 10 so every concurrent instance gets its own
	// host port band.
	MaxParallel int `yaml:"max-parallel,omitempty"`

	// Matrix declares the axes to expand the job over.
	Matrix MatrixSpec `yaml:"matrix,omitempty"`
}

// FailFastEnabled returns the fail-fast setting with its default
// applied. A nil Strategy also defaults to fail-fast.
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// MatrixSpec holds the raw matrix declaration: named axes plus the
// include/exclude adjustment lists. The "include" and "exclude" keys
// are reserved inside the matrix mapping; every other key is an axis.
type MatrixSpec struct {
	// Axes maps axis names to their declared values.
	Axes map[string][]interface{}

	// Include appends or extends expanded entries.
	Include []map[string]interface{}

	// Exclude removes expanded entries whose values match.
	Exclude []map[string]interface{}
}

// UnmarshalYAML separates the reserved include/exclude keys from the
// axis declarations.
func (m *MatrixSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping of axis names to value lists")
	}
	m.Axes = make(map[string][]interface{})
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		valueNode := value.Content[i+1]

		switch key {
		case "include":
			if err := valueNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
		case "exclude":
			if err := valueNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
		default:
			var values []interface{}
			if err := valueNode.Decode(&values); err != nil {
				return fmt.Errorf("matrix axis %q: %w", key, err)
			}
			m.Axes[key] = values
		}
	}
	return nil
}

// IsZero reports whether the job declares no matrix at all.
func (m *MatrixSpec) IsZero() bool {
	return len(m.Axes) == 0 && len(m.Include) == 0 && len(m.Exclude) == 0
}

// Service declares a container started before a job's steps run,
// typically a database or message broker the steps talk to.
type Service struct {
	// Image is the container image reference, e.g. "hugegraph/hugegraph:1.5.0".
	Image string `yaml:"image"`

	// Ports lists the ports to publish to the host.
	Ports []PortDecl `yaml:"ports,omitempty"`

	// Env sets environment variables inside the service container.
	Env map[string]string `yaml:"env,omitempty"`

	// StartupTimeout bounds the readiness wait: gantry probes every
	// published TCP port until it accepts connections or this timeout
	// elapses. Defaults to 60 seconds when omitted.
	StartupTimeout Duration `yaml:"startup-timeout,omitempty"`
}

// DefaultStartupTimeout is the readiness wait applied when a service
// omits startup-timeout.
const DefaultStartupTimeout = 60 * time.Second

// StartupWait returns the service's readiness timeout with the
// default applied.
func (s *Service) StartupWait() time.Duration {
	if s.StartupTimeout <= 0 {
		return DefaultStartupTimeout
	}
	return time.Duration(s.StartupTimeout)
}

// Duration is a time.Duration that decodes from either a bare integer
// (seconds) or a Go duration string ("90s", "2m").
type Duration time.Duration

// UnmarshalYAML accepts both duration shapes.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q (use seconds or a value like \"90s\"): %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// PortDecl is a single port declaration on a service. The host port
// may be zero, in which case the runner allocates one.
type PortDecl struct {
	// Container is the port inside the container.
	Container int

	// Host is the declared host port, or zero for runner-allocated.
	Host int

	// Protocol is "tcp" or "udp". Defaults to "tcp".
	Protocol string
}

// UnmarshalYAML accepts a bare integer (container port only) or a
// string in "host:container" form, optionally suffixed with "/tcp"
// or "/udp".
func (p *PortDecl) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("port must be a number or a \"host:container\" string")
	}
	if value.Tag == "!!int" {
		port, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", value.Value, err)
		}
		p.Container = port
		p.Protocol = "tcp"
		return nil
	}

	decl, err := ParsePortDecl(value.Value)
	if err != nil {
		return err
	}
	*p = *decl
	return nil
}

// ParsePortDecl parses a port declaration string. Accepted forms:
//
//	"8080"           container port, host allocated by the runner
//	"8080:8080"      host:container
//	"8080:8080/tcp"  with an explicit protocol
func ParsePortDecl(s string) (*PortDecl, error) {
	proto := "tcp"
	if base, suffix, found := strings.Cut(s, "/"); found {
		if suffix != "tcp" && suffix != "udp" {
			return nil, fmt.Errorf("invalid port protocol %q in %q (valid: tcp, udp)", suffix, s)
		}
		proto = suffix
		s = base
	}

	if hostPart, containerPart, found := strings.Cut(s, ":"); found {
		host, err := strconv.Atoi(hostPart)
		if err != nil {
			return nil, fmt.Errorf("invalid host port %q in %q", hostPart, s)
		}
		container, err := strconv.Atoi(containerPart)
		if err != nil {
			return nil, fmt.Errorf("invalid container port %q in %q", containerPart, s)
		}
		return &PortDecl{Container: container, Host: host, Protocol: proto}, nil
	}

	container, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid port declaration %q", s)
	}
	return &PortDecl{Container: container, Protocol: proto}, nil
}

// String returns the declaration in its canonical written form.
func (p *PortDecl) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.Host > 0 {
		return fmt.Sprintf("%d:%d/%s", p.Host, p.Container, proto)
	}
	return fmt.Sprintf("%d/%s", p.Container, proto)
}

// Step is a single shell invocation within a job.
type Step struct {
	// Name is the step's display name. When empty, the first line of
	// the script is used for display.
	Name string `yaml:"name,omitempty"`

	// Run is the shell script to execute. Required.
	Run string `yaml:"run"`

	// Shell overrides the runner's default interpreter for this step.
	Shell string `yaml:"shell,omitempty"`

	// Env sets environment variables for this step only, overriding
	// job and workflow values of the same name.
	Env map[string]string `yaml:"env,omitempty"`

	// WorkingDirectory runs the script in a directory other than the
	// workspace root. Relative paths resolve against the workspace.
	WorkingDirectory string `yaml:"working-directory,omitempty"`

	// TimeoutMinutes bounds this step alone. Zero means no step-level
	// timeout.
	TimeoutMinutes int `yaml:"timeout-minutes,omitempty"`

	// ContinueOnError records a failure without failing the job.
	ContinueOnError bool `yaml:"continue-on-error,omitempty"`

	// If controls whether the step runs after an earlier step failed.
	// The only supported condition is "always()"; the default is to
	// run only while the job is still succeeding.
	If string `yaml:"if,omitempty"`
}

// UnmarshalYAML decodes a step strictly: unknown keys are rejected so
// that typos (and unsupported keys like "uses") fail at parse time
// instead of silently dropping a field.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping")
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		valueNode := value.Content[i+1]

		var err error
		switch key {
		case "name":
			err = valueNode.Decode(&s.Name)
		case "run":
			err = valueNode.Decode(&s.Run)
		case "shell":
			err = valueNode.Decode(&s.Shell)
		case "env":
			err = valueNode.Decode(&s.Env)
		case "working-directory":
			err = valueNode.Decode(&s.WorkingDirectory)
		case "timeout-minutes":
			err = valueNode.Decode(&s.TimeoutMinutes)
		case "continue-on-error":
			err = valueNode.Decode(&s.ContinueOnError)
		case "if":
			err = valueNode.Decode(&s.If)
		case "uses":
			return fmt.Errorf("step key \"uses\" is not supported: express the behavior with a run script or a service container")
		default:
			return fmt.Errorf("unknown step key %q", key)
		}
		if err != nil {
			return fmt.Errorf("step key %q: %w", key, err)
		}
	}
	return nil
}

// DisplayName returns the step's name, falling back to the first line
// of its script.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	line := s.Run
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// Load reads a workflow file and parses it into a Workflow.
//
// Returns a CLIError with ExitWorkflowInvalid if the file does not
// exist or fails to parse. Structural validation beyond YAML decoding
// is a separate step (ValidateWorkflow).
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitWorkflowInvalid,
				fmt.Sprintf("workflow file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, model.WrapCLIError(
			model.ExitWorkflowInvalid,
			fmt.Sprintf("failed to parse workflow file %s", path),
			err,
		)
	}

	w.Path = path
	if w.Name == "" {
		// Default the name to the file stem: "client-ci.yml" → "client-ci".
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &w, nil
}

// Discover lists the workflow files in a directory, sorted by name.
//
// Returns a CLIError with ExitNotFound when the directory does not
// exist or contains no workflow files, so the CLI can explain where
// it looked.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewCLIError(
				model.ExitNotFound,
				fmt.Sprintf("no workflows directory found at %s", dir),
			)
		}
		return nil, fmt.Errorf("failed to read workflows directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, model.NewCLIError(
			model.ExitNotFound,
			fmt.Sprintf("no workflow files (*.yml, *.yaml) found in %s", dir),
		)
	}
	return paths, nil
}

// LoadAll discovers and loads every workflow in a directory. Workflow
// names must be unique across the directory because CLI commands and
// the history store address workflows by name.
func LoadAll(dir string) ([]*Workflow, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*Workflow, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		w, err := Load(path)
		if err != nil {
			return nil, err
		}
		if existing, dup := seen[w.Name]; dup {
			return nil, model.NewCLIError(
				model.ExitWorkflowInvalid,
				fmt.Sprintf("duplicate workflow name %q (defined in %s and %s)", w.Name, existing, path),
			)
		}
		seen[w.Name] = path
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// FindByName returns the workflow with the given name from a loaded
// set. The error lists the available names to help with typos.
func FindByName(workflows []*Workflow, name string) (*Workflow, error) {
	names := make([]string, 0, len(workflows))
	for _, w := range workflows {
		if w.Name == name {
			return w, nil
		}
		names = append(names, w.Name)
	}
	sort.Strings(names)
	return nil, model.NewCLIError(
		model.ExitNotFound,
		fmt.Sprintf("workflow %q not found (available: %s)", name, strings.Join(names, ", ")),
	)
}
