// Package plan turns loaded workflows plus a simulated event into a
// concrete execution plan.
//
// Planning runs every pre-flight step that does not touch Docker:
// semantic validation, trigger matching, dependency leveling, matrix
// expansion, and slot assignment. The plan command prints the result;
// the run command executes it. Keeping planning pure makes "what would
// this event do" answerable without side effects.
package plan

import (
	"fmt"
	"strings"

	"github.com/mmr-tortoise/gantry/internal/matrix"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/port"
	"github.com/mmr-tortoise/gantry/internal/trigger"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// JobInstance is one schedulable unit: a job definition combined with
// a single matrix entry. A job without a matrix produces exactly one
// instance.
type JobInstance struct {
	// Workflow is the parsed workflow this instance belongs to.
	Workflow *workflow.Workflow `json:"-"`

	// Job is the job definition this instance executes.
	Job *workflow.Job `json:"-"`

	// WorkflowName and JobName identify the instance in output and
	// container labels.
	WorkflowName string `json:"workflow"`
	JobName      string `json:"job"`

	// DisplayName is the job name with the matrix entry appended,
	// e.g. `build (3.10)`.
	DisplayName string `json:"displayName"`

	// Matrix holds this instance's stringified matrix values, or nil
	// for non-matrix jobs.
	Matrix map[string]string `json:"matrix,omitempty"`

	// Ordinal is the instance's position in the workflow's execution
	// order, counted across all jobs and entries.
	Ordinal int `json:"ordinal"`

	// Slot selects the instance's host port band (Ordinal modulo the
	// band count). Slot 0 publishes declared ports unchanged.
	Slot int `json:"slot"`
}

// WorkflowPlan is the execution plan for one matched workflow.
type WorkflowPlan struct {
	// Workflow is the parsed workflow the plan was built from.
	Workflow *workflow.Workflow `json:"-"`

	// Name is the workflow name.
	Name string `json:"name"`

	// Reason explains why the workflow was selected for the event.
	Reason string `json:"reason"`

	// Levels groups instances by dependency depth: every instance in
	// level N only needs jobs from levels below N. Levels execute in
	// order; instances within a level may run concurrently.
	Levels [][]*JobInstance `json:"levels"`
}

// Instances returns the plan's instances flattened in execution order.
func (p *WorkflowPlan) Instances() []*JobInstance {
	var out []*JobInstance
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// SkippedWorkflow records a workflow the event did not select, with
// the trigger-match reason.
type SkippedWorkflow struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Plan is the full execution plan for one simulated event.
type Plan struct {
	// Event is the simulated event the plan was built for.
	Event trigger.Event `json:"event"`

	// Workflows holds the plans for every workflow the event matched,
	// in load order.
	Workflows []*WorkflowPlan `json:"workflows"`

	// Skipped lists the workflows the event did not match.
	Skipped []SkippedWorkflow `json:"skipped,omitempty"`
}

// TotalInstances returns the number of job instances across all
// matched workflows.
func (p *Plan) TotalInstances() int {
	total := 0
	for _, wp := range p.Workflows {
		for _, level := range wp.Levels {
			total += len(level)
		}
	}
	return total
}

// Options adjusts how a plan is built.
type Options struct {
	// Jobs restricts the plan to the named jobs plus their transitive
	// dependencies. Empty means every job.
	Jobs []string
}

// Build constructs the execution plan for an event over a set of
// loaded workflows.
//
// Every workflow is validated first: planning refuses to proceed when
// any file is semantically broken, even one the event would skip,
// because a broken workflow usually means the user is mid-edit.
func Build(workflows []*workflow.Workflow, ev trigger.Event, opts Options) (*Plan, error) {
	// Step 1: Validate every workflow up front.
	for _, w := range workflows {
		if errs := workflow.ValidateWorkflow(w); len(errs) > 0 {
			return nil, model.NewCLIError(
				model.ExitWorkflowInvalid,
				fmt.Sprintf("workflow %q is invalid: %s", w.Name, formatValidationErrors(errs)),
			)
		}
	}

	p := &Plan{Event: ev}
	requestedSeen := make(map[string]bool, len(opts.Jobs))

	for _, w := range workflows {
		// Step 2: Does the event select this workflow?
		matched, reason := trigger.Matches(&w.On, ev)
		if !matched {
			p.Skipped = append(p.Skipped, SkippedWorkflow{Name: w.Name, Reason: reason})
			continue
		}

		// Step 3: Group jobs by dependency depth.
		levels, err := workflow.TopoLevels(w)
		if err != nil {
			// Unreachable after validation, but do not mask it.
			return nil, err
		}

		// Step 4: Apply the job filter, pulling in transitive needs so
		// the requested jobs can actually run.
		keep := filterJobs(w, opts.Jobs, requestedSeen)
		if len(opts.Jobs) > 0 && len(keep) == 0 {
			p.Skipped = append(p.Skipped, SkippedWorkflow{
				Name:   w.Name,
				Reason: "no requested jobs in this workflow",
			})
			continue
		}

		// Step 5: Expand each job into instances and assign slots.
		wp := &WorkflowPlan{Workflow: w, Name: w.Name, Reason: reason}
		ordinal := 0
		for _, levelNames := range levels {
			var level []*JobInstance
			for _, name := range levelNames {
				if keep != nil && !keep[name] {
					continue
				}
				job, _ := w.Jobs.Get(name)

				instances, err := expandJob(w, job)
				if err != nil {
					return nil, model.WrapCLIError(
						model.ExitWorkflowInvalid,
						fmt.Sprintf("workflow %q job %q: matrix expansion failed", w.Name, name),
						err,
					)
				}
				for _, inst := range instances {
					inst.Ordinal = ordinal
					inst.Slot = ordinal % port.SlotCount
					ordinal++
					level = append(level, inst)
				}
			}
			if len(level) > 0 {
				wp.Levels = append(wp.Levels, level)
			}
		}
		p.Workflows = append(p.Workflows, wp)
	}

	// Step 6: Every explicitly requested job must exist somewhere in
	// the matched workflows, or the request was a typo.
	for _, name := range opts.Jobs {
		if !requestedSeen[name] {
			return nil, model.NewCLIError(
				model.ExitNotFound,
				fmt.Sprintf("job %q not found in any matched workflow", name),
			)
		}
	}

	return p, nil
}

// expandJob produces the job's instances: one per matrix entry, or a
// single instance for jobs without a matrix.
func expandJob(w *workflow.Workflow, job *workflow.Job) ([]*JobInstance, error) {
	base := JobInstance{
		Workflow:     w,
		Job:          job,
		WorkflowName: w.Name,
		JobName:      job.Name,
	}

	if job.Strategy == nil || job.Strategy.Matrix.IsZero() {
		inst := base
		inst.DisplayName = job.Name
		return []*JobInstance{&inst}, nil
	}

	entries, err := matrix.Expand(job.Strategy.Matrix.Axes, job.Strategy.Matrix.Include, job.Strategy.Matrix.Exclude)
	if err != nil {
		return nil, err
	}

	instances := make([]*JobInstance, 0, len(entries))
	for _, entry := range entries {
		inst := base
		inst.Matrix = entry.Values
		inst.DisplayName = matrix.DisplayName(job.Name, entry.Values)
		instances = append(instances, &inst)
	}
	return instances, nil
}

// filterJobs returns the set of job names to keep for a workflow, or
// nil when no filter applies. Requested jobs pull in their transitive
// needs. Names found in this workflow are marked in seen.
func filterJobs(w *workflow.Workflow, requested []string, seen map[string]bool) map[string]bool {
	if len(requested) == 0 {
		return nil
	}

	keep := make(map[string]bool)
	var include func(name string)
	include = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		job, _ := w.Jobs.Get(name)
		for _, need := range job.Needs {
			include(need)
		}
	}

	for _, name := range requested {
		if _, ok := w.Jobs.Get(name); ok {
			seen[name] = true
			include(name)
		}
	}
	return keep
}

// formatValidationErrors joins validation errors into one line for the
// CLI error message.
func formatValidationErrors(errs []workflow.ValidationError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}
