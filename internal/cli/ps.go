// Package cli — ps.go implements the "gantry ps" command.
//
// The ps command displays live service containers by querying Docker
// for containers with the "gantry.managed-by=gantry" label. Containers
// are grouped by the run that started them and presented as a text
// table or JSON, depending on the --json flag.
//
// Under normal operation jobs remove their services on the way out, so
// anything ps shows is either an in-flight run or leftovers from a
// crashed one.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/gantry/internal/docker"
	"github.com/mmr-tortoise/gantry/internal/model"
)

// psFlags holds the flag values for the ps command.
type psFlags struct {
	// run filters output to containers whose run ID starts with the
	// given prefix.
	run string
}

// NewPsCommand creates the "ps" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewPsCommand() *cobra.Command {
	flags := &psFlags{}

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List live service containers",
		Long: `List the service containers gantry is currently managing.

Each container is shown with the run that started it, the workflow and
job it serves, its Docker status, and its published host ports.

Examples:
  gantry ps
  gantry ps --run 3f2a9c1d
  gantry ps --json`,

		// No positional arguments are required for the ps command.
		Args: cobra.NoArgs,

		// RunE returns an error to the root command's error handler.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPs(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.run, "run", "",
		"Show only containers belonging to this run ID (prefix match)")

	return cmd
}

// runPs is the main logic function for the ps command.
// It connects to Docker, discovers managed containers, groups them by
// run, and outputs results in the appropriate format.
func runPs(ctx context.Context, flags *psFlags) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	// Step 1: Connect to Docker and verify the daemon is available.
	cli, err := docker.NewClient()
	if err != nil {
		return err // NewClient already returns CLIError with ExitDockerNotRunning
	}
	// defer ensures the Docker client is closed when this function returns,
	// releasing the underlying HTTP connection and resources.
	defer func() { _ = cli.Close() }()

	logger.Debug("connected to Docker daemon")

	// Step 2: List all containers that are managed by gantry.
	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return err // ListManagedContainers already returns CLIError
	}
	logger.Debug("listed managed containers", zap.Int("count", len(containers)))

	// Step 3: Group containers by the run that started them.
	groups := docker.GroupContainersByRun(containers)

	// Step 4: Apply the --run prefix filter if specified.
	if flags.run != "" {
		filtered := make([]model.RunGroup, 0, len(groups))
		for _, g := range groups {
			if strings.HasPrefix(g.RunID, flags.run) {
				filtered = append(filtered, g)
			}
		}
		groups = filtered
	}

	// Step 5: Output results in the appropriate format.
	printPsResult(groups)
	return nil
}

// printPsResult outputs the container groups in text or JSON format,
// depending on the global --json flag.
func printPsResult(groups []model.RunGroup) {
	if IsJSONOutput() {
		printPsResultJSON(groups)
	} else {
		printPsResultText(groups)
	}
}

// printPsResultJSON outputs the container groups as structured JSON.
// The top-level key is "runs" containing an array of run groups.
func printPsResultJSON(groups []model.RunGroup) {
	type resultJSON struct {
		Runs []model.RunGroup `json:"runs"`
	}

	// Use an empty slice instead of nil to ensure JSON output shows []
	// instead of null when no containers are found.
	result := resultJSON{Runs: make([]model.RunGroup, 0, len(groups))}
	result.Runs = append(result.Runs, groups...)
	printJSON(result)
}

// printPsResultText outputs the container groups as a human-readable
// text table with aligned columns.
//
// The table format is:
//
//	RUN       WORKFLOW        JOB                  SERVICE    STATUS     PORTS
//	3f2a9c1d  ci              client-test (3.12)   hugegraph  running    18080->8080
func printPsResultText(groups []model.RunGroup) {
	if len(groups) == 0 {
		fmt.Println("No service containers found.")
		return
	}

	// Print header row.
	fmt.Printf("%-10s %-16s %-24s %-12s %-10s %s\n",
		"RUN", "WORKFLOW", "JOB", "SERVICE", "STATUS", "PORTS")

	for _, g := range groups {
		for _, c := range g.Containers {
			// Print one row per container with fixed-width columns.
			fmt.Printf("%-10s %-16s %-24s %-12s %-10s %s\n",
				ShortRunID(c.RunID),
				c.Workflow,
				c.Job,
				c.Service,
				c.Status,
				FormatPortMappings(c.Ports),
			)
		}
	}
}

// FormatPortMappings converts a slice of ServicePorts into a
// comma-separated list of host->container pairs. Returns "-" if the
// container publishes no ports.
//
// Example:
//
//	[{HostPort: 18080, ContainerPort: 8080}] → "18080->8080"
//	[]                                        → "-"
func FormatPortMappings(ports []model.ServicePort) string {
	if len(ports) == 0 {
		return "-"
	}

	// Sort by host port so output is stable regardless of label order.
	sorted := make([]model.ServicePort, len(ports))
	copy(sorted, ports)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].HostPort < sorted[j].HostPort
	})

	pairs := make([]string, 0, len(sorted))
	for _, p := range sorted {
		pairs = append(pairs, fmt.Sprintf("%d->%d", p.HostPort, p.ContainerPort))
	}
	return strings.Join(pairs, ",")
}
