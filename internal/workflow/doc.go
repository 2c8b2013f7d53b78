// Package workflow parses, discovers, and validates workflow YAML files.
//
// A workflow file is the unit of configuration: it declares the events
// that trigger it (push, pull_request, workflow_dispatch with branch
// filters), a set of named jobs with optional dependencies ("needs"),
// per-job matrix strategies, service containers, and the shell steps
// each job runs.
//
// Parsing (config.go) normalizes the shape-polymorphic YAML fields and
// preserves job declaration order. Validation (validate.go) checks the
// semantic rules (identifier syntax, dependency acyclicity, matrix
// size, port uniqueness, expression contexts) and reports each
// violation with a field path.
package workflow
