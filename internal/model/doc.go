// Package model defines the domain types and value objects for the
// gantry CI runner.
//
// This package contains pure data structures with no external dependencies.
// Run, job, and step outcomes (RunResult, JobResult, StepResult) are
// assembled in memory during execution; service container state
// (ServiceContainer) is a transient representation reconstructed from
// Docker container labels at runtime.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
