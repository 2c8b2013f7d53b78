// Package cli — watch.go implements the "gantry watch" command.
//
// Watch mode executes the matched workflows once, then re-executes
// them whenever workspace files change. Changes are debounced so a
// save-all or a branch switch triggers one run, not dozens, and a
// failing run keeps the watcher alive.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/watch"
)

// watchFlags holds the flag values for the watch command.
type watchFlags struct {
	workflow string        // positional: restrict to one workflow by name
	event    string        // --event: event type to simulate
	branch   string        // --branch: branch the event carries
	jobs     []string      // --job: restrict to named jobs plus dependencies
	files    []string      // --file: explicit workflow files instead of discovery
	debounce time.Duration // --debounce: quiet period before a re-run
}

// NewWatchCommand creates the "watch" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewWatchCommand() *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch [workflow]",
		Short: "Re-run matched workflows whenever workspace files change",
		Long: `Run the workflows matched by a simulated event, then watch the
workspace and re-run them after every change.

Hidden directories such as .git are ignored, except the workflows
directory itself: editing a workflow file triggers a re-run with the
new definition. Runs are recorded in history like ordinary runs.

Examples:
  gantry watch
  gantry watch client-ci
  gantry watch --event pull_request --branch feature/login
  gantry watch --job lint --debounce 2s`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.workflow = args[0]
			}
			return runWatch(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.event, "event", "e", "workflow_dispatch", "Event type to simulate (push, pull_request, workflow_dispatch)")
	cmd.Flags().StringVarP(&flags.branch, "branch", "b", "main", "Branch carried by the simulated event")
	cmd.Flags().StringArrayVarP(&flags.jobs, "job", "j", nil, "Run only this job and its dependencies (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.files, "file", "f", nil, "Workflow file to load instead of discovery (repeatable)")
	cmd.Flags().DurationVar(&flags.debounce, "debounce", watch.DefaultDebounce, "Quiet period after the last change before re-running")

	return cmd
}

// runWatch executes the watch command logic.
func runWatch(ctx context.Context, flags *watchFlags) error {
	// Step 1: Resolve the workspace and runner configuration once.
	// Workflow files are re-loaded on every triggered run instead, so
	// edits take effect without restarting the watcher.
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

	// Step 2: Build the per-change run function. Outcome errors are
	// returned to the watcher, which logs them and keeps watching; only
	// stopping the watcher ends the command.
	rf := &runFlags{
		workflow: flags.workflow,
		event:    flags.event,
		branch:   flags.branch,
		jobs:     flags.jobs,
		files:    flags.files,
	}
	runOnce := func(runCtx context.Context, changed []string) error {
		if len(changed) > 0 && !IsJSONOutput() {
			fmt.Printf("\nChanged: %s\n", strings.Join(changed, ", "))
		}
		return executeEvent(runCtx, workspace, cfg, rf, logger)
	}

	// Step 3: Watch until interrupted. Ctrl-C during a run cancels the
	// run first, then stops the watcher; the command itself exits 0.
	watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watch.New(watch.Options{
		Workspace:    workspace,
		WorkflowsDir: cfg.WorkflowsDir,
		Debounce:     flags.debounce,
		Logger:       logger,
	}, runOnce)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to create file watcher", err)
	}

	if !IsJSONOutput() {
		fmt.Printf("Watching %s (Ctrl-C to stop)\n", workspace)
	}
	if err := w.Run(watchCtx); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "watcher stopped unexpectedly", err)
	}
	return nil
}
