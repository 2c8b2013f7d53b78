// Package expr implements the ${{ ... }} context interpolation used in
// workflow files.
//
// Expressions are plain context lookups; there are no operators or
// function calls. A reference is a dot-separated path whose first
// segment names the context:
//
//	${{ matrix.python-version }}      value of a matrix axis
//	${{ env.PYTHONPATH }}             merged environment value
//	${{ services.graph.ports.8080 }}  allocated host port for a service
//	${{ workflow.name }}              workflow name
//	${{ job.name }}                   job display name
//	${{ run.id }}                     run UUID
//	${{ run.workspace }}              absolute workspace path
//
// The literal sequence "$${{" escapes to "${{" without interpolation.
package expr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Ref is a single parsed ${{ ... }} reference.
type Ref struct {
	// Root is the context name (matrix, env, services, workflow, job, run).
	Root string

	// Path is the remaining dot-separated segments after the root.
	Path []string

	// Raw is the reference text as written, without the delimiters.
	Raw string
}

// String returns the reference as written in the workflow file.
func (r Ref) String() string {
	return "${{ " + r.Raw + " }}"
}

// knownRoots is the set of context names a reference may start with.
var knownRoots = map[string]bool{
	"matrix":   true,
	"env":      true,
	"services": true,
	"workflow": true,
	"job":      true,
	"run":      true,
}

// Context carries the values available for interpolation while a job
// instance executes. All fields are read-only from the expander's
// perspective.
type Context struct {
	// Matrix maps axis names to this instance's stringified values.
	Matrix map[string]string

	// Env is the fully merged environment visible at the current scope.
	Env map[string]string

	// ServicePorts maps service name → container port → allocated host port.
	ServicePorts map[string]map[int]int

	// Workflow is the workflow name.
	Workflow string

	// Job is the job instance's display name.
	Job string

	// RunID is the run UUID.
	RunID string

	// Workspace is the absolute path jobs execute in.
	Workspace string
}

// Expand replaces every ${{ ... }} reference in s with its resolved
// value. Unknown references produce an error rather than an empty
// string so that typos fail a step before it spawns.
func Expand(s string, ctx *Context) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "$${{") {
			b.WriteString("${{")
			i += 4
			continue
		}
		if strings.HasPrefix(s[i:], "${{") {
			end := strings.Index(s[i:], "}}")
			if end < 0 {
				return "", fmt.Errorf("unterminated ${{ expression in %q", s)
			}
			ref, err := parseRef(strings.TrimSpace(s[i+3 : i+end]))
			if err != nil {
				return "", err
			}
			value, err := ctx.resolve(ref)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
			i += end + 2
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), nil
}

// Refs extracts every reference in s without resolving it. The workflow
// validator uses this to reject unknown contexts before execution.
func Refs(s string) ([]Ref, error) {
	var refs []Ref
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "$${{") {
			i += 4
			continue
		}
		if strings.HasPrefix(s[i:], "${{") {
			end := strings.Index(s[i:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated ${{ expression in %q", s)
			}
			ref, err := parseRef(strings.TrimSpace(s[i+3 : i+end]))
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
			i += end + 2
			continue
		}
		i++
	}
	return refs, nil
}

// parseRef splits a raw reference into its root and path segments and
// checks the structural rules (known root, correct segment count).
func parseRef(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, fmt.Errorf("empty ${{ }} expression")
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return Ref{}, fmt.Errorf("malformed expression %q", raw)
		}
	}

	ref := Ref{Root: parts[0], Path: parts[1:], Raw: raw}
	if err := CheckRef(ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// CheckRef verifies a reference's shape: its root must be a known
// context and its path must have the arity that context expects.
// Value-level existence (does the axis or service exist?) is checked
// separately by the workflow validator and at resolution time.
func CheckRef(ref Ref) error {
	if !knownRoots[ref.Root] {
		return fmt.Errorf("unknown context %q in expression %q (valid: %s)", ref.Root, ref.Raw, rootList())
	}

	switch ref.Root {
	case "matrix", "env":
		if len(ref.Path) != 1 {
			return fmt.Errorf("expression %q must have the form %s.<key>", ref.Raw, ref.Root)
		}
	case "services":
		// services.<name>.ports.<containerPort>
		if len(ref.Path) != 3 || ref.Path[1] != "ports" {
			return fmt.Errorf("expression %q must have the form services.<name>.ports.<port>", ref.Raw)
		}
		if _, err := strconv.Atoi(ref.Path[2]); err != nil {
			return fmt.Errorf("expression %q: %q is not a port number", ref.Raw, ref.Path[2])
		}
	case "workflow", "job":
		if len(ref.Path) != 1 || ref.Path[0] != "name" {
			return fmt.Errorf("expression %q must be %s.name", ref.Raw, ref.Root)
		}
	case "run":
		if len(ref.Path) != 1 || (ref.Path[0] != "id" && ref.Path[0] != "workspace") {
			return fmt.Errorf("expression %q must be run.id or run.workspace", ref.Raw)
		}
	}
	return nil
}

// resolve looks up a structurally valid reference in the context.
func (c *Context) resolve(ref Ref) (string, error) {
	switch ref.Root {
	case "matrix":
		value, ok := c.Matrix[ref.Path[0]]
		if !ok {
			return "", fmt.Errorf("unknown matrix axis %q in expression %q", ref.Path[0], ref.Raw)
		}
		return value, nil

	case "env":
		value, ok := c.Env[ref.Path[0]]
		if !ok {
			return "", fmt.Errorf("unknown environment variable %q in expression %q", ref.Path[0], ref.Raw)
		}
		return value, nil

	case "services":
		name := ref.Path[0]
		ports, ok := c.ServicePorts[name]
		if !ok {
			return "", fmt.Errorf("unknown service %q in expression %q", name, ref.Raw)
		}
		containerPort, _ := strconv.Atoi(ref.Path[2])
		hostPort, ok := ports[containerPort]
		if !ok {
			return "", fmt.Errorf("service %q does not publish port %d (expression %q)", name, containerPort, ref.Raw)
		}
		return strconv.Itoa(hostPort), nil

	case "workflow":
		return c.Workflow, nil

	case "job":
		return c.Job, nil

	case "run":
		if ref.Path[0] == "id" {
			return c.RunID, nil
		}
		return c.Workspace, nil
	}

	return "", fmt.Errorf("unknown context %q in expression %q", ref.Root, ref.Raw)
}

// rootList returns the known context names as a sorted, comma-separated
// string for error messages.
func rootList() string {
	roots := make([]string, 0, len(knownRoots))
	for root := range knownRoots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return strings.Join(roots, ", ")
}
