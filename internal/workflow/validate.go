// validate.go provides validation functions that check workflow files
// beyond YAML well-formedness before they are planned or executed.
//
// Validation runs in the validate command and again at the start of
// run/plan, so a broken workflow is reported with field coordinates
// rather than failing halfway through a run. Each check appends a
// ValidationError; an empty result means the workflow is valid.
package workflow

import (
	"fmt"
	"strings"

	"github.com/mmr-tortoise/gantry/internal/expr"
	"github.com/mmr-tortoise/gantry/internal/matrix"
	"github.com/mmr-tortoise/gantry/internal/model"
)

// ValidationError represents a specific validation failure in a workflow file.
type ValidationError struct {
	// Field is the field path that failed validation (e.g., "jobs.test.strategy.max-parallel").
	Field string

	// Message describes what's wrong with the field value.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation error: %s: %s", e.Field, e.Message)
}

// MaxParallelLimit caps strategy.max-parallel so every concurrently
// running instance can be given its own host port band.
const MaxParallelLimit = 10

// ValidateWorkflow performs semantic checks on a parsed workflow. It
// returns a list of validation errors (empty list = valid workflow).
//
// Checks performed:
//   - Workflow name and trigger declarations
//   - Job names, runner labels, and step presence
//   - "needs" references exist and form no cycle
//   - Matrix axes, include/exclude keys, and expansion size
//   - Service images, port declarations, and host port uniqueness
//   - Step shells, conditions, and timeouts
//   - ${{ ... }} expressions reference known contexts and axes
func ValidateWorkflow(w *Workflow) []ValidationError {
	var errs []ValidationError

	// Check 1: Workflow identity and triggers.
	if err := model.ValidateName(w.Name); err != nil {
		errs = append(errs, ValidationError{Field: "name", Message: err.Error()})
	}
	if !w.On.Declared() {
		errs = append(errs, ValidationError{
			Field:   "on",
			Message: "workflow must declare at least one trigger (push, pull_request, or workflow_dispatch)",
		})
	}

	// Check 2: At least one job.
	if w.Jobs.Len() == 0 {
		errs = append(errs, ValidationError{Field: "jobs", Message: "workflow must declare at least one job"})
		return errs
	}

	// Check 3: Per-job checks.
	for _, name := range w.Jobs.Names() {
		job, _ := w.Jobs.Get(name)
		errs = append(errs, validateJob(w, job)...)
	}

	// Check 4: The needs graph must be acyclic and reference declared
	// jobs. TopoLevels does both in one pass.
	if _, err := TopoLevels(w); err != nil {
		errs = append(errs, ValidationError{Field: "jobs", Message: err.Error()})
	}

	return errs
}

// validateJob checks a single job definition.
func validateJob(w *Workflow, job *Job) []ValidationError {
	var errs []ValidationError
	field := func(parts ...string) string {
		return "jobs." + job.Name + "." + strings.Join(parts, ".")
	}

	if err := model.ValidateName(job.Name); err != nil {
		errs = append(errs, ValidationError{Field: "jobs." + job.Name, Message: err.Error()})
	}
	if job.RunsOn == "" {
		errs = append(errs, ValidationError{Field: field("runs-on"), Message: "runs-on must not be empty"})
	}
	if job.TimeoutMinutes < 0 {
		errs = append(errs, ValidationError{Field: field("timeout-minutes"), Message: "timeout must not be negative"})
	}

	// Needs references. Cycles are reported separately by TopoLevels.
	for _, need := range job.Needs {
		if need == job.Name {
			errs = append(errs, ValidationError{Field: field("needs"), Message: "job cannot depend on itself"})
			continue
		}
		if _, ok := w.Jobs.Get(need); !ok {
			errs = append(errs, ValidationError{
				Field:   field("needs"),
				Message: fmt.Sprintf("needs references undeclared job %q", need),
			})
		}
	}

	errs = append(errs, validateStrategy(job, field)...)
	errs = append(errs, validateServices(job, field)...)
	errs = append(errs, validateSteps(job, field)...)

	// Expression checks across every interpolated string in the job.
	exprAxes := matrixKeys(job)
	checkExprs := func(fieldName, value string) {
		for _, msg := range checkExpressions(job, exprAxes, value) {
			errs = append(errs, ValidationError{Field: fieldName, Message: msg})
		}
	}
	for key, value := range job.Env {
		checkExprs(field("env", key), value)
	}
	for svcName, svc := range job.Services {
		for key, value := range svc.Env {
			checkExprs(field("services", svcName, "env", key), value)
		}
	}
	for i := range job.Steps {
		step := &job.Steps[i]
		stepField := fmt.Sprintf("jobs.%s.steps[%d]", job.Name, i)
		checkExprs(stepField+".run", step.Run)
		checkExprs(stepField+".working-directory", step.WorkingDirectory)
		for key, value := range step.Env {
			checkExprs(stepField+".env."+key, value)
		}
	}

	return errs
}

// validateStrategy checks the matrix declaration and scheduling caps.
func validateStrategy(job *Job, field func(...string) string) []ValidationError {
	var errs []ValidationError
	s := job.Strategy
	if s == nil {
		return nil
	}

	if s.MaxParallel < 0 || s.MaxParallel > MaxParallelLimit {
		errs = append(errs, ValidationError{
			Field:   field("strategy", "max-parallel"),
			Message: fmt.Sprintf("max-parallel must be between 1 and %d", MaxParallelLimit),
		})
	}

	for axis, values := range s.Matrix.Axes {
		if err := model.ValidateName(axis); err != nil {
			errs = append(errs, ValidationError{Field: field("strategy", "matrix", axis), Message: err.Error()})
		}
		if len(values) == 0 {
			errs = append(errs, ValidationError{
				Field:   field("strategy", "matrix", axis),
				Message: "axis must declare at least one value",
			})
		}
	}

	// Exclude entries that reference unknown axes can never match
	// anything, which is always a mistake.
	for i, entry := range s.Matrix.Exclude {
		for key := range entry {
			if _, ok := s.Matrix.Axes[key]; !ok {
				errs = append(errs, ValidationError{
					Field:   field("strategy", "matrix", "exclude"),
					Message: fmt.Sprintf("exclude entry %d references undeclared axis %q", i, key),
				})
			}
		}
	}

	// Expand once so size-cap and shape errors surface at validation
	// time rather than at the start of a run.
	if !s.Matrix.IsZero() {
		if _, err := matrix.Expand(s.Matrix.Axes, s.Matrix.Include, s.Matrix.Exclude); err != nil {
			errs = append(errs, ValidationError{Field: field("strategy", "matrix"), Message: err.Error()})
		}
	}

	return errs
}

// validateServices checks the service container declarations.
func validateServices(job *Job, field func(...string) string) []ValidationError {
	var errs []ValidationError

	// Explicit host ports within one job must be unique across services.
	var declared []model.ServicePort

	for name, svc := range job.Services {
		if err := model.ValidateName(name); err != nil {
			errs = append(errs, ValidationError{Field: field("services", name), Message: err.Error()})
		}
		if svc.Image == "" {
			errs = append(errs, ValidationError{
				Field:   field("services", name, "image"),
				Message: "service image must not be empty",
			})
		}
		if svc.StartupTimeout < 0 {
			errs = append(errs, ValidationError{
				Field:   field("services", name, "startup-timeout"),
				Message: "startup-timeout must not be negative",
			})
		}
		for _, decl := range svc.Ports {
			if decl.Container < 1 || decl.Container > 65535 {
				errs = append(errs, ValidationError{
					Field:   field("services", name, "ports"),
					Message: fmt.Sprintf("container port %d out of range (1-65535)", decl.Container),
				})
			}
			if decl.Host != 0 {
				declared = append(declared, model.ServicePort{
					ServiceName:   name,
					ContainerPort: decl.Container,
					HostPort:      decl.Host,
					Protocol:      decl.Protocol,
				})
			}
		}
	}

	if err := model.ValidateServicePorts(declared); err != nil {
		errs = append(errs, ValidationError{Field: field("services"), Message: err.Error()})
	}

	return errs
}

// validateSteps checks the step list of a job.
func validateSteps(job *Job, field func(...string) string) []ValidationError {
	var errs []ValidationError

	if len(job.Steps) == 0 {
		errs = append(errs, ValidationError{Field: field("steps"), Message: "job must declare at least one step"})
		return errs
	}

	for i := range job.Steps {
		step := &job.Steps[i]
		stepField := fmt.Sprintf("jobs.%s.steps[%d]", job.Name, i)

		if strings.TrimSpace(step.Run) == "" {
			errs = append(errs, ValidationError{Field: stepField + ".run", Message: "run script must not be empty"})
		}
		if step.Shell != "" {
			if _, err := model.ParseShellKind(step.Shell); err != nil {
				errs = append(errs, ValidationError{Field: stepField + ".shell", Message: err.Error()})
			}
		}
		if step.TimeoutMinutes < 0 {
			errs = append(errs, ValidationError{Field: stepField + ".timeout-minutes", Message: "timeout must not be negative"})
		}
		if step.If != "" && step.If != "always()" {
			errs = append(errs, ValidationError{
				Field:   stepField + ".if",
				Message: fmt.Sprintf("unsupported condition %q (only \"always()\" is supported)", step.If),
			})
		}
	}

	return errs
}

// matrixKeys collects every axis name usable in ${{ matrix.* }} for a
// job: the declared axes plus keys introduced by include entries.
func matrixKeys(job *Job) map[string]bool {
	keys := make(map[string]bool)
	if job.Strategy == nil {
		return keys
	}
	for axis := range job.Strategy.Matrix.Axes {
		keys[axis] = true
	}
	for _, entry := range job.Strategy.Matrix.Include {
		for key := range entry {
			keys[key] = true
		}
	}
	return keys
}

// checkExpressions validates the ${{ ... }} references in a single
// string against the job's declared matrix axes and services. Values
// under env cannot be checked statically because the process
// environment contributes at runtime.
func checkExpressions(job *Job, axes map[string]bool, value string) []string {
	refs, err := expr.Refs(value)
	if err != nil {
		return []string{err.Error()}
	}

	var msgs []string
	for _, ref := range refs {
		switch ref.Root {
		case "matrix":
			if !axes[ref.Path[0]] {
				msgs = append(msgs, fmt.Sprintf("expression %q references undeclared matrix axis %q", ref.String(), ref.Path[0]))
			}
		case "services":
			if _, ok := job.Services[ref.Path[0]]; !ok {
				msgs = append(msgs, fmt.Sprintf("expression %q references undeclared service %q", ref.String(), ref.Path[0]))
			}
		}
	}
	return msgs
}

// TopoLevels groups a workflow's jobs by dependency depth: level 0
// holds jobs with no needs, level 1 holds jobs whose needs are all at
// level 0, and so on. Within a level, jobs keep declaration order.
//
// Returns an error when needs reference undeclared jobs or form a
// cycle.
func TopoLevels(w *Workflow) ([][]string, error) {
	names := w.Jobs.Names()
	depths := make(map[string]int, len(names))
	visiting := make(map[string]bool, len(names))

	var depthOf func(name string) (int, error)
	depthOf = func(name string) (int, error) {
		if d, ok := depths[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("dependency cycle involving job %q", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		job, _ := w.Jobs.Get(name)
		d := 0
		for _, need := range job.Needs {
			if _, ok := w.Jobs.Get(need); !ok {
				return 0, fmt.Errorf("job %q needs undeclared job %q", name, need)
			}
			nd, err := depthOf(need)
			if err != nil {
				return 0, err
			}
			if nd+1 > d {
				d = nd + 1
			}
		}
		depths[name] = d
		return d, nil
	}

	maxDepth := 0
	for _, name := range names {
		d, err := depthOf(name)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range names {
		levels[depths[name]] = append(levels[depths[name]], name)
	}
	return levels, nil
}
