// Package model defines the domain types for the gantry CI runner.
//
// All entities in this package represent the core data structures shared
// across the engine: run/job/step outcomes, trigger events, service port
// mappings, and the CLI error taxonomy. These types are used throughout
// the application for passing data between components.
//
// Key design decision: service container state is persisted via Docker
// container labels, so ServiceContainer values are transient
// representations reconstructed from Docker API queries at runtime. Run
// outcomes are assembled in memory and recorded to the history store
// after the fact.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a run, job, or step.
// The state transitions are:
//
//	pending → running → success | failure | cancelled
//	pending → skipped (dependency failed, or an earlier step failed)
type RunStatus string

const (
	// StatusPending indicates the unit has been planned but not started.
	StatusPending RunStatus = "pending"

	// StatusRunning indicates the unit is currently executing.
	StatusRunning RunStatus = "running"

	// StatusSuccess indicates the unit completed with exit code zero
	// (or had every failure absorbed by continue-on-error).
	StatusSuccess RunStatus = "success"

	// StatusFailure indicates a command exited non-zero or a service
	// container failed to become ready.
	StatusFailure RunStatus = "failure"

	// StatusCancelled indicates the unit was interrupted before
	// completion, either by a signal or by fail-fast cancellation.
	StatusCancelled RunStatus = "cancelled"

	// StatusSkipped indicates the unit never ran because a dependency
	// failed or an earlier step in the same job failed.
	StatusSkipped RunStatus = "skipped"
)

// String returns the string representation of RunStatus.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and logging.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid checks whether the RunStatus value is one of the
// predefined valid states.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a final outcome that will not
// change for the remainder of the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseRunStatus converts a string to a RunStatus.
// Returns an error if the string does not match any valid status.
func ParseRunStatus(s string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid run status: %q (valid: pending, running, success, failure, cancelled, skipped)", s)
	}
	return status, nil
}

// AggregateStatus folds a set of terminal statuses into a single outcome.
// Failure dominates cancellation, cancellation dominates success, and a
// set consisting entirely of skipped units is itself skipped.
func AggregateStatus(statuses []RunStatus) RunStatus {
	if len(statuses) == 0 {
		return StatusSuccess
	}
	allSkipped := true
	cancelled := false
	for _, s := range statuses {
		switch s {
		case StatusFailure:
			return StatusFailure
		case StatusCancelled:
			cancelled = true
			allSkipped = false
		case StatusSkipped:
			// keeps allSkipped true
		default:
			allSkipped = false
		}
	}
	if cancelled {
		return StatusCancelled
	}
	if allSkipped {
		return StatusSkipped
	}
	return StatusSuccess
}

// EventType represents the kind of event that triggers a workflow.
// Workflows declare which events they respond to in their "on" block;
// the planner matches an incoming event against those declarations.
type EventType string

const (
	// EventPush simulates a branch push.
	EventPush EventType = "push"

	// EventPullRequest simulates a pull request targeting a branch.
	EventPullRequest EventType = "pull_request"

	// EventDispatch is a direct manual invocation. Every workflow
	// matches it regardless of its trigger declarations.
	EventDispatch EventType = "workflow_dispatch"
)

// String returns the string representation of EventType.
func (e EventType) String() string {
	return string(e)
}

// IsValid checks whether the EventType value is one of the
// predefined valid events.
func (e EventType) IsValid() bool {
	switch e {
	case EventPush, EventPullRequest, EventDispatch:
		return true
	default:
		return false
	}
}

// ParseEventType converts a string to an EventType.
// Returns an error if the string does not match any valid event.
func ParseEventType(s string) (EventType, error) {
	event := EventType(strings.ToLower(s))
	if !event.IsValid() {
		return "", fmt.Errorf("invalid event type: %q (valid: push, pull_request, workflow_dispatch)", s)
	}
	return event, nil
}

// ShellKind identifies the interpreter a step script runs under.
// The default comes from the runner configuration; individual steps
// may override it.
type ShellKind string

const (
	// ShellBash runs scripts via "bash -e -o pipefail -c".
	ShellBash ShellKind = "bash"

	// ShellSh runs scripts via "sh -e -c" for minimal environments.
	ShellSh ShellKind = "sh"

	// ShellPwsh runs scripts via "pwsh -Command" where PowerShell
	// is installed.
	ShellPwsh ShellKind = "pwsh"
)

// String returns the string representation of ShellKind.
func (k ShellKind) String() string {
	return string(k)
}

// IsValid checks whether the ShellKind value is one of the
// predefined supported shells.
func (k ShellKind) IsValid() bool {
	switch k {
	case ShellBash, ShellSh, ShellPwsh:
		return true
	default:
		return false
	}
}

// ParseShellKind converts a string to a ShellKind.
// Returns an error if the string does not match any supported shell.
func ParseShellKind(s string) (ShellKind, error) {
	kind := ShellKind(strings.ToLower(s))
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid shell: %q (valid: bash, sh, pwsh)", s)
	}
	return kind, nil
}

// PullPolicy controls when service container images are pulled before
// a job starts.
type PullPolicy string

const (
	// PullMissing pulls an image only when it is absent locally.
	// This is the default.
	PullMissing PullPolicy = "missing"

	// PullAlways pulls before every run, picking up moved tags like
	// ":latest" at the cost of a registry round-trip.
	PullAlways PullPolicy = "always"

	// PullNever never pulls; a job fails when its service image is not
	// already present. Useful for air-gapped or rate-limited setups.
	PullNever PullPolicy = "never"
)

// String returns the string representation of PullPolicy.
func (p PullPolicy) String() string {
	return string(p)
}

// IsValid checks whether the PullPolicy value is one of the
// predefined policies.
func (p PullPolicy) IsValid() bool {
	switch p {
	case PullMissing, PullAlways, PullNever:
		return true
	default:
		return false
	}
}

// ParsePullPolicy converts a string to a PullPolicy.
// Returns an error if the string does not match any policy.
func ParsePullPolicy(s string) (PullPolicy, error) {
	policy := PullPolicy(strings.ToLower(s))
	if !policy.IsValid() {
		return "", fmt.Errorf("invalid pull policy: %q (valid: missing, always, never)", s)
	}
	return policy, nil
}

// nameRegex validates workflow, job, and service names: alphanumeric,
// hyphens, and underscores, starting with an alphanumeric character.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateName checks if the given name is a valid workflow, job, or
// service identifier. Valid names contain only alphanumeric characters,
// hyphens, and underscores, and must start with an alphanumeric character.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid name %q: must contain only alphanumeric characters, hyphens, and underscores, and start with an alphanumeric character", name)
	}
	return nil
}

// ServicePort represents a single published port mapping between a
// service container port and a host port.
//
// The port banding algorithm assigns host ports for parallel jobs using
// the formula:
//
//	hostPort = declaredPort + (slot * 10000)
//
// If the result exceeds 65535, dynamic port discovery is used via net.Listen().
type ServicePort struct {
	// ServiceName is the workflow service that owns this port mapping.
	ServiceName string `json:"serviceName"`

	// ContainerPort is the port number inside the container (1-65535).
	ContainerPort int `json:"containerPort"`

	// HostPort is the port number on the host machine (1024-65535).
	// Must be unique across all concurrently running jobs and not
	// conflict with ports used by other system processes.
	HostPort int `json:"hostPort"`

	// Protocol is the network protocol for the port mapping.
	// Defaults to "tcp". Also supports "udp".
	Protocol string `json:"protocol"`
}

// Validate checks whether the ServicePort has valid field values.
// It verifies port number ranges and protocol values.
func (p *ServicePort) Validate() error {
	if p.ServiceName == "" {
		return fmt.Errorf("service port: service name must not be empty")
	}
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("service port: container port %d out of range (1-65535)", p.ContainerPort)
	}
	if p.HostPort < 1024 || p.HostPort > 65535 {
		return fmt.Errorf("service port: host port %d out of range (1024-65535)", p.HostPort)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("service port: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns a human-readable representation of the port mapping.
// Format: "service:containerPort → hostPort/protocol"
func (p *ServicePort) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%d → %d/%s", p.ServiceName, p.ContainerPort, p.HostPort, proto)
}

// ValidateServicePorts checks a slice of ServicePorts for individual
// validity and cross-mapping host port uniqueness. Two services in one
// job must never publish to the same host port.
func ValidateServicePorts(ports []ServicePort) error {
	// Track seen host ports to detect duplicates within the same job.
	// Key: "hostPort/protocol", Value: service name that owns it.
	seen := make(map[string]string)

	for i := range ports {
		// Validate each mapping individually first.
		if err := ports[i].Validate(); err != nil {
			return err
		}

		// Build a unique key combining port and protocol to detect duplicates.
		// Different protocols on the same port are allowed (e.g., 8080/tcp and 8080/udp).
		key := fmt.Sprintf("%d/%s", ports[i].HostPort, ports[i].Protocol)
		if existingService, exists := seen[key]; exists {
			return fmt.Errorf("service port: host port %s is used by both %q and %q",
				key, existingService, ports[i].ServiceName)
		}
		seen[key] = ports[i].ServiceName
	}
	return nil
}

// StepResult records the outcome of a single step within a job.
type StepResult struct {
	// Name is the step's display name (or its script's first line when
	// no name was declared).
	Name string `json:"name"`

	// Status is the terminal outcome of the step.
	Status RunStatus `json:"status"`

	// ExitCode is the process exit code. Zero for skipped steps.
	ExitCode int `json:"exitCode"`

	// Error describes why the step failed, if it did.
	Error string `json:"error,omitempty"`

	// StartedAt is when the step began executing.
	StartedAt time.Time `json:"startedAt"`

	// FinishedAt is when the step reached its terminal status.
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the wall-clock time the step spent executing.
func (r *StepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobResult records the outcome of one job instance. A matrix job
// produces one JobResult per expanded entry.
type JobResult struct {
	// Workflow is the name of the workflow the job belongs to.
	Workflow string `json:"workflow"`

	// Job is the declared job name.
	Job string `json:"job"`

	// DisplayName is the job name decorated with matrix values,
	// e.g. "test (3.10)".
	DisplayName string `json:"displayName"`

	// Matrix holds the stringified matrix values for this instance.
	// Empty for non-matrix jobs.
	Matrix map[string]string `json:"matrix,omitempty"`

	// Status is the terminal outcome of the job.
	Status RunStatus `json:"status"`

	// ExitCode is the exit code of the first failing step, or zero.
	ExitCode int `json:"exitCode"`

	// Error describes a job-level failure that happened outside any
	// step, such as a service container that never became ready.
	Error string `json:"error,omitempty"`

	// Steps holds the per-step outcomes in declaration order.
	Steps []StepResult `json:"steps,omitempty"`

	// Services holds the host port mappings allocated to this job's
	// service containers.
	Services []ServicePort `json:"services,omitempty"`

	// LogPath is the job's log file, relative to the workspace.
	LogPath string `json:"logPath,omitempty"`

	// StartedAt is when the job began executing.
	StartedAt time.Time `json:"startedAt"`

	// FinishedAt is when the job reached its terminal status.
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the wall-clock time the job spent executing.
func (r *JobResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult records the outcome of a full run: one triggering event
// applied to one workflow.
type RunResult struct {
	// ID is the run's UUID, shared by container labels, log directories,
	// and the history store.
	ID string `json:"id"`

	// Workflow is the name of the workflow that ran.
	Workflow string `json:"workflow"`

	// Event is the event type that triggered the run.
	Event EventType `json:"event"`

	// Branch is the branch the event carried, if any.
	Branch string `json:"branch,omitempty"`

	// Status is the aggregated outcome across all jobs.
	Status RunStatus `json:"status"`

	// Jobs holds the per-job outcomes in execution order.
	Jobs []JobResult `json:"jobs,omitempty"`

	// StartedAt is when the run began executing.
	StartedAt time.Time `json:"startedAt"`

	// FinishedAt is when the run reached its terminal status.
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the wall-clock time the run spent executing.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finalize computes the run's aggregate status from its job outcomes.
func (r *RunResult) Finalize() {
	statuses := make([]RunStatus, 0, len(r.Jobs))
	for i := range r.Jobs {
		statuses = append(statuses, r.Jobs[i].Status)
	}
	r.Status = AggregateStatus(statuses)
}

// ServiceContainer holds runtime information about a gantry-managed
// service container. This data is reconstructed from Docker labels and
// the Docker API, not persisted anywhere else.
type ServiceContainer struct {
	// ContainerID is the unique Docker container identifier (SHA-256 hash prefix).
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// RunID is the run that started this container.
	RunID string `json:"runId"`

	// Workflow is the workflow name recorded on the container.
	Workflow string `json:"workflow"`

	// Job is the job instance the container serves.
	Job string `json:"job"`

	// Service is the workflow service name (the key under "services").
	Service string `json:"service"`

	// Image is the container image reference.
	Image string `json:"image"`

	// Status is the Docker container status (e.g., "running", "exited", "created").
	Status string `json:"status"`

	// Ports holds the published port mappings recorded in labels.
	Ports []ServicePort `json:"ports,omitempty"`

	// StartedAt is when gantry started this container.
	StartedAt time.Time `json:"startedAt"`
}

// RunGroup aggregates the live service containers belonging to a single
// run, as displayed by the ps command.
type RunGroup struct {
	// RunID is the run the containers belong to.
	RunID string `json:"runId"`

	// Workflow is the workflow name shared by the group.
	Workflow string `json:"workflow"`

	// Containers holds the group members, sorted by job then service.
	Containers []ServiceContainer `json:"containers"`
}

// ExitCode defines standard CLI exit codes. These codes allow scripts
// and calling systems to programmatically determine the outcome of a
// command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitWorkflowInvalid indicates a workflow file was not found or
	// failed parsing/validation.
	ExitWorkflowInvalid ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitPortAllocationFailed indicates a host port could not be
	// allocated without conflicting with existing allocations.
	ExitPortAllocationFailed ExitCode = 4

	// ExitRunFailed indicates the run completed and at least one job
	// failed.
	ExitRunFailed ExitCode = 5

	// ExitNotFound indicates a referenced workflow, job, or run does
	// not exist.
	ExitNotFound ExitCode = 6

	// ExitCancelled indicates the run was interrupted by a signal.
	ExitCancelled ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
// This follows Go's error wrapping convention introduced in Go 1.13.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
