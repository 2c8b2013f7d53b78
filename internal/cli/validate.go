// Package cli — validate.go implements the "gantry validate" command.
//
// Validation checks workflow files without executing anything: YAML
// parse failures and semantic problems (unknown needs, bad matrix
// references, invalid port declarations) are reported per file.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/gantry/internal/config"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// fileReport is the validation outcome for one workflow file.
type fileReport struct {
	File   string   `json:"file"`
	Name   string   `json:"name,omitempty"`
	Jobs   int      `json:"jobs,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the "validate" cobra command.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check workflow files for parse and semantic errors",
		Long: `Validate workflow files without running them.

With no arguments, every file in the configured workflows directory is
checked. Each file is reported separately, so one broken file does not
hide problems in the others.

Examples:
  gantry validate
  gantry validate .gantry/workflows/ci.yml
  gantry validate --json`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), args)
		},
	}

	return cmd
}

// runValidate executes the validate command logic.
func runValidate(_ context.Context, args []string) error {
	// Step 1: Determine the set of files to check.
	paths := args
	if len(paths) == 0 {
		workspace, err := os.Getwd()
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to resolve working directory", err)
		}
		cfg, err := config.Load(workspace, configPath)
		if err != nil {
			return err
		}
		paths, err = workflow.Discover(cfg.WorkflowsDir)
		if err != nil {
			return err
		}
	}

	// Step 2: Load and validate each file independently. Workflow
	// names must also be unique across files, because plans and
	// history address workflows by name.
	reports := make([]fileReport, 0, len(paths))
	seen := make(map[string]string)
	for _, path := range paths {
		report := validateFile(path)
		if report.Valid {
			if first, dup := seen[report.Name]; dup {
				report.Valid = false
				report.Errors = append(report.Errors,
					fmt.Sprintf("duplicate workflow name %q (also defined in %s)", report.Name, first))
			} else {
				seen[report.Name] = path
			}
		}
		reports = append(reports, report)
	}

	invalid := 0
	for _, r := range reports {
		if !r.Valid {
			invalid++
		}
	}

	// Step 3: Output the per-file reports.
	printValidateReports(reports)

	if invalid > 0 {
		return model.NewCLIError(model.ExitWorkflowInvalid,
			fmt.Sprintf("%d of %d workflow file(s) invalid", invalid, len(reports)))
	}
	return nil
}

// validateFile loads one workflow file and collects its problems. A
// parse failure yields a single-error report; a parsed workflow is
// checked semantically.
func validateFile(path string) fileReport {
	report := fileReport{File: path}

	w, err := workflow.Load(path)
	if err != nil {
		report.Errors = []string{err.Error()}
		return report
	}

	report.Name = w.Name
	report.Jobs = w.Jobs.Len()
	for _, verr := range workflow.ValidateWorkflow(w) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", verr.Field, verr.Message))
	}
	report.Valid = len(report.Errors) == 0
	return report
}

// printValidateReports renders the validation outcome in the format
// requested by --json.
func printValidateReports(reports []fileReport) {
	if IsJSONOutput() {
		printJSON(struct {
			Workflows []fileReport `json:"workflows"`
		}{Workflows: reports})
		return
	}

	for _, r := range reports {
		if r.Valid {
			fmt.Printf("%s: OK (workflow %q, %d job(s))\n", r.File, r.Name, r.Jobs)
			continue
		}
		fmt.Printf("%s: INVALID\n", r.File)
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
