// Package cli — history.go implements the "gantry history" command.
//
// Without arguments, the command lists the most recent runs from the
// history database. With a run ID (full or prefix), it shows that
// run's per-job outcomes, mirroring how Docker resolves abbreviated
// container IDs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/history"
	"github.com/mmr-tortoise/gantry/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	// limit caps how many runs the list view shows.
	limit int

	// run selects one run for the detail view, equivalent to passing
	// the ID as a positional argument.
	run string
}

// NewHistoryCommand creates the "history" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs and their outcomes",
		Long: `Show the run history recorded in the local database.

Without arguments the most recent runs are listed. Pass a run ID (or a
unique prefix of one) as an argument or via --run to see the run's
individual job outcomes.

Examples:
  gantry history
  gantry history --limit 50
  gantry history 3f2a9c1d`,

		// At most one positional argument (the run ID) is accepted.
		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			runID := flags.run
			if len(args) > 0 {
				if runID != "" && runID != args[0] {
					return model.NewCLIError(model.ExitGeneralError,
						"pass the run ID either as an argument or with --run, not both")
				}
				runID = args[0]
			}
			return runHistory(cmd.Context(), runID, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&flags.run, "run", "", "Show this run's job outcomes (ID or unique prefix)")

	return cmd
}

// runHistory is the main logic function for the history command.
func runHistory(_ context.Context, runID string, flags *historyFlags) error {
	// Step 1: Locate the history database via the runner configuration.
	workspace, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
	}
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return err
	}

	// A missing database just means nothing ran yet. Stat first so a
	// pure read never creates an empty database file.
	if _, err := os.Stat(cfg.HistoryPath); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No run history recorded.")
			return nil
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to access history database", err)
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open history database", err)
	}
	defer func() { _ = store.Close() }()

	// Step 2: Dispatch to the list or detail view.
	if runID == "" {
		return listHistory(store, flags.limit)
	}
	return showHistoryRun(store, runID)
}

// listHistory renders the most recent runs.
func listHistory(store *history.Store, limit int) error {
	runs, err := store.Recent(limit)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read history", err)
	}

	if IsJSONOutput() {
		printJSON(struct {
			Runs []history.RunRecord `json:"runs"`
		}{Runs: runs})
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No run history recorded.")
		return nil
	}

	fmt.Printf("%-10s %-16s %-14s %-16s %-10s %5s %10s  %s\n",
		"RUN", "WORKFLOW", "EVENT", "BRANCH", "STATUS", "JOBS", "DURATION", "STARTED")
	for i := range runs {
		r := &runs[i]
		fmt.Printf("%-10s %-16s %-14s %-16s %-10s %5d %10s  %s\n",
			ShortRunID(r.ID),
			r.Workflow,
			r.Event,
			r.Branch,
			r.Conclusion,
			r.Jobs,
			FormatDuration(r.Duration()),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

// showHistoryRun renders one run's job outcomes. The ID may be a
// unique prefix.
func showHistoryRun(store *history.Store, runID string) error {
	run, jobs, err := store.Run(runID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return model.WrapCLIError(model.ExitNotFound, "run not found", err)
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read history", err)
	}

	if IsJSONOutput() {
		printJSON(struct {
			Run  *history.RunRecord  `json:"run"`
			Jobs []history.JobRecord `json:"jobs"`
		}{Run: run, Jobs: jobs})
		return nil
	}

	fmt.Printf("%s  %s@%s  run %s: %s in %s\n",
		run.Workflow,
		run.Event,
		run.Branch,
		run.ID,
		run.Conclusion,
		FormatDuration(run.Duration()),
	)
	fmt.Printf("started %s\n\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))

	if len(jobs) == 0 {
		fmt.Println("(no jobs)")
		return nil
	}

	fmt.Printf("%-30s %-10s %-6s %10s  %s\n", "JOB", "STATUS", "EXIT", "DURATION", "LOG")
	for i := range jobs {
		j := &jobs[i]
		log := j.LogPath
		if log == "" {
			log = "-"
		}
		fmt.Printf("%-30s %-10s %-6d %10s  %s\n",
			j.Name,
			j.Conclusion,
			j.ExitCode,
			FormatDuration(time.Duration(j.DurationMS)*time.Millisecond),
			log,
		)
	}
	return nil
}
