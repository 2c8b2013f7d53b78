// Package cli — plan.go implements the "gantry plan" command.
//
// The plan command is a dry run: it shows which workflows an event
// would select, how matrix jobs expand, and in what order jobs would
// execute, without starting anything.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/plan"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// planFlags holds the flag values for the plan command.
type planFlags struct {
	workflow string   // positional: restrict to one workflow by name
	event    string   // --event: event type to simulate
	branch   string   // --branch: branch the event carries
	jobs     []string // --job: restrict to named jobs plus dependencies
	files    []string // --file: explicit workflow files instead of discovery
}

// NewPlanCommand creates the "plan" cobra command.
func NewPlanCommand() *cobra.Command {
	flags := &planFlags{}

	cmd := &cobra.Command{
		Use:   "plan [workflow]",
		Short: "Show what a simulated event would execute, without running it",
		Long: `Build and display the execution plan for a simulated event.

The output shows the matched workflows, their expanded matrix
instances grouped into dependency levels, and the workflows the event
skipped together with the reason. Nothing is executed and Docker is
never touched.

Examples:
  gantry plan
  gantry plan client-ci
  gantry plan --event pull_request --branch feature/login
  gantry plan --job client-test --json`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.workflow = args[0]
			}
			return runPlan(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.event, "event", "e", "workflow_dispatch", "Event type to simulate (push, pull_request, workflow_dispatch)")
	cmd.Flags().StringVarP(&flags.branch, "branch", "b", "main", "Branch carried by the simulated event")
	cmd.Flags().StringArrayVarP(&flags.jobs, "job", "j", nil, "Plan only this job and its dependencies (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.files, "file", "f", nil, "Workflow file to load instead of discovery (repeatable)")

	return cmd
}

// runPlan executes the plan command logic.
func runPlan(_ context.Context, flags *planFlags) error {
	// Step 1: Resolve configuration and load workflows.
	workspace, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
	}
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return err
	}
	workflows, err := loadWorkflows(cfg, flags.files)
	if err != nil {
		return err
	}
	if flags.workflow != "" {
		w, err := workflow.FindByName(workflows, flags.workflow)
		if err != nil {
			return err
		}
		workflows = []*workflow.Workflow{w}
	}

	// Step 2: Build the plan for the simulated event.
	ev, err := parseEvent(flags.event, flags.branch)
	if err != nil {
		return err
	}
	p, err := plan.Build(workflows, ev, plan.Options{Jobs: flags.jobs})
	if err != nil {
		return err
	}

	// Step 3: Output the plan.
	printPlan(p)
	return nil
}

// printPlan renders the plan in the format requested by --json.
func printPlan(p *plan.Plan) {
	if IsJSONOutput() {
		printJSON(p)
		return
	}

	fmt.Printf("Plan for %s: %d workflow(s), %d job instance(s)\n",
		p.Event.String(), len(p.Workflows), p.TotalInstances())

	for _, wp := range p.Workflows {
		fmt.Printf("\n%s  (%s)\n", wp.Name, wp.Reason)
		for i, level := range wp.Levels {
			fmt.Printf("  level %d:\n", i+1)
			for _, inst := range level {
				fmt.Printf("    %-30s %s\n", inst.DisplayName, instanceDetail(inst))
			}
		}
	}

	if len(p.Skipped) > 0 {
		fmt.Println("\nSkipped:")
		for _, s := range p.Skipped {
			fmt.Printf("  %-24s %s\n", s.Name, s.Reason)
		}
	}
}

// instanceDetail summarizes a planned instance's dependencies and
// service containers for the text view.
func instanceDetail(inst *plan.JobInstance) string {
	var parts []string
	if len(inst.Job.Needs) > 0 {
		parts = append(parts, "needs "+strings.Join(inst.Job.Needs, ", "))
	}
	if n := len(inst.Job.Services); n > 0 {
		parts = append(parts, fmt.Sprintf("%d service(s)", n))
	}
	return strings.Join(parts, "; ")
}
