// Package cli — cleanup.go implements the "gantry cleanup" command.
//
// Jobs remove their service containers on the way out, so cleanup
// exists for the unhappy paths: a crashed runner, a kill -9, or a
// Docker hiccup that left labeled containers behind. It force-removes
// every managed container, or just those of a single run.
//
// By default, the command prompts for confirmation before proceeding.
// The --force flag skips the confirmation prompt.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/gantry/internal/docker"
	"github.com/mmr-tortoise/gantry/internal/model"
)

// cleanupFlags holds the flag values for the cleanup command.
type cleanupFlags struct {
	// run restricts cleanup to containers whose run ID starts with
	// the given prefix. Empty removes every managed container.
	run string

	// force skips the interactive confirmation prompt when true.
	force bool
}

// NewCleanupCommand creates the "cleanup" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewCleanupCommand() *cobra.Command {
	flags := &cleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover service containers",
		Long: `Remove service containers left behind by interrupted runs.

Containers are matched by the labels gantry puts on everything it
starts, so cleanup never touches containers it does not own. Use --run
to limit removal to a single run.

Unless --force is specified, the command prompts for confirmation.

Examples:
  gantry cleanup
  gantry cleanup --run 3f2a9c1d
  gantry cleanup --force`,

		// No positional arguments; the --run flag selects a subset.
		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), flags)
		},
	}

	// Register command-specific flags.
	cmd.Flags().StringVar(&flags.run, "run", "", "Remove only containers belonging to this run ID (prefix match)")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")

	return cmd
}

// runCleanup is the main logic function for the cleanup command.
// It finds leftover containers, optionally prompts for confirmation,
// and force-removes them.
func runCleanup(ctx context.Context, flags *cleanupFlags) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	// Step 1: Connect to Docker daemon.
	cli, err := docker.NewClient()
	if err != nil {
		return err // NewClient already returns CLIError with ExitDockerNotRunning
	}
	defer func() { _ = cli.Close() }()

	logger.Debug("connected to Docker daemon")

	// Step 2: Find the target containers.
	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return err
	}
	if flags.run != "" {
		matched := make([]model.ServiceContainer, 0, len(containers))
		for _, c := range containers {
			if strings.HasPrefix(c.RunID, flags.run) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			return model.NewCLIError(model.ExitNotFound,
				fmt.Sprintf("no service containers found for run %q", flags.run))
		}
		containers = matched
	}
	if len(containers) == 0 {
		fmt.Println("No service containers to clean up.")
		return nil
	}

	// Step 3: Prompt for confirmation unless --force is specified.
	if !flags.force {
		confirmed, err := promptCleanupConfirmation(containers)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitCancelled, "operation cancelled by user")
		}
	}

	// Step 4: Force-remove each container. Removal continues past
	// individual failures so one stuck container does not strand the
	// rest; the first error still fails the command afterwards.
	var firstErr error
	removed := 0
	for _, c := range containers {
		logger.Debug("removing container",
			zap.String("name", c.ContainerName),
			zap.String("id", ShortRunID(c.ContainerID)),
		)
		// Use force=true to handle containers that might still be running.
		if err := docker.RemoveContainer(ctx, cli, c.ContainerID, true); err != nil {
			logger.Warn("failed to remove container", zap.String("name", c.ContainerName), zap.Error(err))
			if firstErr == nil {
				firstErr = model.WrapCLIError(model.ExitGeneralError,
					fmt.Sprintf("failed to remove container %q", c.ContainerName), err)
			}
			continue
		}
		removed++
	}

	// Step 5: Output the result.
	printCleanupResult(removed, len(containers))
	return firstErr
}

// promptCleanupConfirmation asks the user to confirm the removal.
// It reads a single line from stdin and checks for "y" or "yes".
// Returns true if the user confirmed, false otherwise.
func promptCleanupConfirmation(containers []model.ServiceContainer) (bool, error) {
	runs := make(map[string]bool)
	for _, c := range containers {
		runs[c.RunID] = true
	}

	fmt.Printf("About to remove %d service container(s) from %d run(s):\n", len(containers), len(runs))
	for _, c := range containers {
		fmt.Printf("  - %s (%s, run %s)\n", c.ContainerName, c.Status, ShortRunID(c.RunID))
	}
	fmt.Print("\nContinue? [y/N] ")

	// Read a line from stdin. bufio.Scanner handles different line endings
	// across platforms (LF on Unix, CRLF on Windows).
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}

	// If stdin is closed or an error occurred, treat it as "no".
	if err := scanner.Err(); err != nil {
		return false, err
	}

	return false, nil
}

// printCleanupResult outputs the cleanup result in text or JSON format.
func printCleanupResult(removed, total int) {
	if IsJSONOutput() {
		printJSON(map[string]interface{}{
			"action":  "cleanup",
			"removed": removed,
			"total":   total,
		})
		return
	}

	if removed == total {
		fmt.Printf("Removed %d service container(s)\n", removed)
	} else {
		fmt.Printf("Removed %d of %d service container(s)\n", removed, total)
	}
}
