// Package cli — run.go implements the "gantry run" command.
//
// The run command is the primary user-facing operation. It simulates a
// CI event against the workspace's workflow files and executes every
// workflow the event matches, end to end.
//
// Orchestration steps:
//  1. Resolve the workspace and runner configuration
//  2. Load workflow files (discovery or explicit --file paths)
//  3. Build the execution plan for the simulated event
//  4. Connect to Docker and seed the port allocator, when services are planned
//  5. Execute the plan with signal-aware cancellation
//  6. Record the results in run history (best effort)
//  7. Output results (text or JSON) and map the outcome to an exit code
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/docker"
	"github.com/mmr-tortoise/gantry/internal/history"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/plan"
	"github.com/mmr-tortoise/gantry/internal/port"
	"github.com/mmr-tortoise/gantry/internal/runner"
	"github.com/mmr-tortoise/gantry/internal/trigger"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// runFlags holds the flag values for the run command.
// These are bound to cobra flags in NewRunCommand.
type runFlags struct {
	workflow  string   // positional: restrict to one workflow by name
	event     string   // --event: event type to simulate
	branch    string   // --branch: branch the event carries
	jobs      []string // --job: restrict to named jobs plus dependencies
	files     []string // --file: explicit workflow files instead of discovery
	noHistory bool     // --no-history: skip the history database
}

// NewRunCommand creates the "run" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Execute the workflows matched by a simulated event",
		Long: `Simulate a CI event and execute every workflow it matches.

The default event is workflow_dispatch, a manual run that matches every
workflow. Pass a workflow name to run just that one.

The command automatically:
  - Discovers workflow files under the configured workflows directory
  - Expands matrix jobs into parallel instances
  - Starts declared service containers with conflict-free host ports
  - Streams step output to the terminal and to per-job log files

Examples:
  gantry run
  gantry run client-ci
  gantry run --event pull_request --branch feature/login
  gantry run --job client-test
  gantry run --file .gantry/workflows/ci.yml --no-history`,

		// At most one positional argument (a workflow name) is accepted;
		// further narrowing happens through the --file / --job flags.
		Args: cobra.MaximumNArgs(1),

		// RunE is used instead of Run so we can return errors. Cobra will
		// pass them to the Execute error handler in root.go.
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.workflow = args[0]
			}
			return runRun(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.event, "event", "e", "workflow_dispatch", "Event type to simulate (push, pull_request, workflow_dispatch)")
	cmd.Flags().StringVarP(&flags.branch, "branch", "b", "main", "Branch carried by the simulated event")
	cmd.Flags().StringArrayVarP(&flags.jobs, "job", "j", nil, "Run only this job and its dependencies (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.files, "file", "f", nil, "Workflow file to load instead of discovery (repeatable)")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "Do not record this run in history")

	return cmd
}

// runRun executes the run command logic.
func runRun(ctx context.Context, flags *runFlags) error {
	// Step 1: Resolve the workspace and runner configuration.
	workspace, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
	}
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	// The first interrupt cancels the run context so in-flight jobs
	// finish as cancelled; a second interrupt kills the process the
	// default way.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Steps 2 onward are shared with "gantry watch", which replays
	// them on every file change.
	return executeEvent(runCtx, workspace, cfg, flags, logger)
}

// executeEvent runs the load-plan-execute-report pipeline once for the
// given event flags. The returned error carries the run's outcome:
// nil for success, a CLIError for failures, cancellation, and
// infrastructure problems.
func executeEvent(ctx context.Context, workspace string, cfg *config.Config, flags *runFlags, logger *zap.Logger) error {
	// Step 2: Load the workflow files.
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

	// Step 3: Build the execution plan for the simulated event.
	ev, err := parseEvent(flags.event, flags.branch)
	if err != nil {
		return err
	}
	p, err := plan.Build(workflows, ev, plan.Options{Jobs: flags.jobs})
	if err != nil {
		return err
	}
	if len(p.Workflows) == 0 {
		printNothingMatched(p)
		return nil
	}

	// Step 4: Connect to Docker and seed the port allocator when any
	// planned job declares services. Runs without services never touch
	// the daemon, so Docker stays optional for plain shell pipelines.
	allocator := port.NewAllocator(port.NewScanner())
	var dockerClient *docker.Client
	if planNeedsDocker(p) {
		dockerClient, err = docker.NewClient()
		if err != nil {
			return err // NewClient already returns CLIError with ExitDockerNotRunning
		}
		defer func() { _ = dockerClient.Close() }()
		if err := dockerClient.Ping(ctx); err != nil {
			return err
		}

		// Ports held by containers from earlier runs must not be
		// handed out again while those containers are still up.
		existing, err := docker.ListManagedContainers(ctx, dockerClient)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to list existing service containers", err)
		}
		allocator.SetExistingAllocations(flattenPorts(existing))
	}

	// Step 5: Execute the plan.
	executor := &runner.JobExecutor{
		Docker:       dockerClient,
		Allocator:    allocator,
		Logger:       logger,
		Workspace:    workspace,
		LogsDir:      cfg.LogsDir,
		DefaultShell: cfg.DefaultShell,
		BaseEnv:      cfg.Env,
		Pull:         cfg.Pull,
	}
	if !IsJSONOutput() {
		executor.Console = runner.NewConsole(os.Stdout)
	}
	r := &runner.Runner{
		Executor:    executor,
		Logger:      logger,
		MaxParallel: cfg.MaxParallel,
	}
	results, runErr := r.Run(ctx, p)

	// Step 6: Record the results, best effort. A broken history
	// database must never turn a green run red.
	if cfg.History && !flags.noHistory {
		recordHistory(logger, cfg, results)
	}

	// Step 7: Output results and map the outcome to an exit code.
	printRunResults(results)
	if runErr != nil {
		return runErr
	}
	return runOutcomeError(results)
}

// loadWorkflows returns the workflows named by --file, or discovers
// them under the configured workflows directory.
func loadWorkflows(cfg *config.Config, files []string) ([]*workflow.Workflow, error) {
	if len(files) == 0 {
		return workflow.LoadAll(cfg.WorkflowsDir)
	}
	workflows := make([]*workflow.Workflow, 0, len(files))
	for _, path := range files {
		w, err := workflow.Load(path)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// parseEvent validates the --event / --branch flag pair into a
// simulated trigger event.
func parseEvent(eventName, branch string) (trigger.Event, error) {
	et, err := model.ParseEventType(eventName)
	if err != nil {
		return trigger.Event{}, model.WrapCLIError(model.ExitGeneralError, "invalid --event flag", err)
	}
	return trigger.Event{Type: et, Branch: branch}, nil
}

// planNeedsDocker reports whether any planned job instance declares
// service containers.
func planNeedsDocker(p *plan.Plan) bool {
	for _, wp := range p.Workflows {
		for _, inst := range wp.Instances() {
			if len(inst.Job.Services) > 0 {
				return true
			}
		}
	}
	return false
}

// flattenPorts collects the published host ports of every live managed
// container into a single list for the allocator.
func flattenPorts(containers []model.ServiceContainer) []model.ServicePort {
	var ports []model.ServicePort
	for _, c := range containers {
		ports = append(ports, c.Ports...)
	}
	return ports
}

// recordHistory writes the run results to the history database and
// prunes old entries. Failures are logged and swallowed.
func recordHistory(logger *zap.Logger, cfg *config.Config, results []model.RunResult) {
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Warn("history disabled for this run", zap.Error(err))
		return
	}
	defer func() { _ = store.Close() }()

	for i := range results {
		if err := store.Record(&results[i]); err != nil {
			logger.Warn("failed to record run", zap.String("run_id", results[i].ID), zap.Error(err))
		}
	}
	if pruned, err := store.Prune(cfg.HistoryKeep); err != nil {
		logger.Warn("failed to prune history", zap.Error(err))
	} else if pruned > 0 {
		logger.Debug("pruned history", zap.Int("runs", pruned))
	}
}

// runOutcomeError maps finished run results to the command's exit
// code: cancellation wins over failure, success maps to nil.
func runOutcomeError(results []model.RunResult) error {
	failed := 0
	for i := range results {
		switch results[i].Status {
		case model.StatusCancelled:
			return model.NewCLIError(model.ExitCancelled, "run cancelled")
		case model.StatusFailure:
			failed++
		}
	}
	if failed > 0 {
		return model.NewCLIError(model.ExitRunFailed, fmt.Sprintf("%d of %d workflow runs failed", failed, len(results)))
	}
	return nil
}

// printNothingMatched reports an event that selected no workflows,
// with the per-workflow skip reasons.
func printNothingMatched(p *plan.Plan) {
	if IsJSONOutput() {
		printJSON(p)
		return
	}
	fmt.Printf("No workflows matched %s.\n", p.Event.String())
	for _, s := range p.Skipped {
		fmt.Printf("  %-24s %s\n", s.Name, s.Reason)
	}
}

// printRunResults renders the finished runs in the format requested
// by the --json flag.
func printRunResults(results []model.RunResult) {
	if IsJSONOutput() {
		printJSON(struct {
			Runs []model.RunResult `json:"runs"`
		}{Runs: results})
		return
	}

	for i := range results {
		printRunResultText(&results[i])
	}
}

// printRunResultText renders one finished run as a summary line and a
// per-job table.
func printRunResultText(res *model.RunResult) {
	fmt.Printf("\n%s  %s@%s  run %s: %s in %s\n",
		res.Workflow,
		res.Event,
		res.Branch,
		ShortRunID(res.ID),
		res.Status,
		FormatDuration(res.Duration()),
	)

	if len(res.Jobs) == 0 {
		fmt.Println("  (no jobs)")
		return
	}

	fmt.Printf("  %-30s %-10s %-10s %s\n", "JOB", "STATUS", "DURATION", "DETAIL")
	for i := range res.Jobs {
		job := &res.Jobs[i]
		fmt.Printf("  %-30s %-10s %-10s %s\n",
			job.DisplayName,
			job.Status,
			FormatDuration(job.Duration()),
			jobDetail(job),
		)
	}
}

// jobDetail summarizes why a job ended the way it did, for the text
// table's last column.
func jobDetail(job *model.JobResult) string {
	switch {
	case job.Error != "":
		return job.Error
	case job.Status == model.StatusFailure && job.ExitCode != 0:
		return fmt.Sprintf("exit code %d", job.ExitCode)
	case job.Status == model.StatusFailure || job.Status == model.StatusSuccess:
		if job.LogPath != "" {
			return job.LogPath
		}
	}
	return ""
}

// ShortRunID abbreviates a run UUID for table output. History lookups
// accept the abbreviated form as a prefix.
func ShortRunID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// FormatDuration renders a duration for table output, keeping one
// decimal for sub-minute values.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
