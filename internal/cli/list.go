// Package cli — list.go implements the "gantry list" command.
//
// The list command is an inventory view: every discovered workflow
// file with its name, declared trigger events, job count, and how many
// job instances its matrices expand to. Broken files are shown with
// their error instead of being hidden.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/matrix"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// listWorkflowRow is one workflow in the list output.
type listWorkflowRow struct {
	Name      string   `json:"name,omitempty"`
	File      string   `json:"file"`
	On        []string `json:"on,omitempty"`
	Jobs      int      `json:"jobs"`
	Instances int      `json:"instances"`
	Error     string   `json:"error,omitempty"`
}

// NewListCommand creates the "list" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered workflows",
		Long: `List the workflow files in the configured workflows directory.

Each workflow is shown with its declared trigger events, the number of
jobs, and the number of job instances after matrix expansion.

Examples:
  gantry list
  gantry list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runListWorkflows(cmd.Context())
		},
	}

	return cmd
}

// runListWorkflows is the main logic function for the list command.
func runListWorkflows(_ context.Context) error {
	// Step 1: Discover the workflow files.
	workspace, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
	}
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return err
	}
	paths, err := workflow.Discover(cfg.WorkflowsDir)
	if err != nil {
		return err
	}

	// Step 2: Load each file independently so one broken file still
	// leaves the rest listed.
	rows := make([]listWorkflowRow, 0, len(paths))
	for _, path := range paths {
		rows = append(rows, buildListRow(workspace, path))
	}

	// Step 3: Output in the appropriate format.
	printListResult(rows)
	return nil
}

// buildListRow summarizes one workflow file for the list output.
func buildListRow(workspace, path string) listWorkflowRow {
	row := listWorkflowRow{File: displayPath(workspace, path)}

	w, err := workflow.Load(path)
	if err != nil {
		row.Error = err.Error()
		return row
	}

	row.Name = w.Name
	row.On = declaredEvents(w)
	row.Jobs = w.Jobs.Len()
	row.Instances = instanceCount(w)
	return row
}

// displayPath renders a workflow path relative to the workspace when
// possible.
func displayPath(workspace, path string) string {
	if rel, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// declaredEvents lists the trigger events a workflow declares, in a
// fixed order.
func declaredEvents(w *workflow.Workflow) []string {
	var events []string
	if w.On.Push != nil {
		events = append(events, string(model.EventPush))
	}
	if w.On.PullRequest != nil {
		events = append(events, string(model.EventPullRequest))
	}
	if w.On.Dispatch {
		events = append(events, string(model.EventDispatch))
	}
	return events
}

// instanceCount sums the matrix expansion sizes across a workflow's
// jobs. Jobs whose matrix fails to expand count as a single instance,
// matching how validation reports the problem separately.
func instanceCount(w *workflow.Workflow) int {
	total := 0
	for _, name := range w.Jobs.Names() {
		job, ok := w.Jobs.Get(name)
		if !ok {
			continue
		}
		if job.Strategy == nil || job.Strategy.Matrix.IsZero() {
			total++
			continue
		}
		entries, err := matrix.Expand(job.Strategy.Matrix.Axes, job.Strategy.Matrix.Include, job.Strategy.Matrix.Exclude)
		if err != nil {
			total++
			continue
		}
		total += len(entries)
	}
	return total
}

// printListResult outputs the workflow rows in text or JSON format,
// depending on the global --json flag.
func printListResult(rows []listWorkflowRow) {
	if IsJSONOutput() {
		printJSON(struct {
			Workflows []listWorkflowRow `json:"workflows"`
		}{Workflows: rows})
		return
	}

	if len(rows) == 0 {
		fmt.Println("No workflows found.")
		return
	}

	fmt.Printf("%-16s %-36s %-28s %5s %10s\n",
		"NAME", "FILE", "ON", "JOBS", "INSTANCES")
	for _, r := range rows {
		if r.Error != "" {
			fmt.Printf("%-16s %-36s %s\n", "-", r.File, "(broken: "+r.Error+")")
			continue
		}
		on := strings.Join(r.On, ", ")
		if on == "" {
			on = "-"
		}
		fmt.Printf("%-16s %-36s %-28s %5d %10d\n",
			r.Name, r.File, on, r.Jobs, r.Instances)
	}
}
