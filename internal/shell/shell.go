// Package shell executes step scripts through a shell interpreter,
// streaming output line by line and reporting the process exit code.
//
// Each script runs in its own process group so that cancellation
// (fail-fast, signals, timeouts) kills everything the script spawned,
// not just the interpreter. Output pipes are fully drained before the
// process is reaped, which prevents losing trailing output on fast
// exits.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// Stream names passed to LineFunc, identifying which pipe a line came
// from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Scanner buffer sizes for output streaming. Build tools occasionally
// emit very long single lines (minified bundles, base64 blobs), so the
// cap is generous.
const (
	initialScanBuffer = 64 * 1024
	maxScanLine       = 10 * 1024 * 1024
)

// Spec describes one script execution.
type Spec struct {
	// Script is the shell script to run. It is passed to the
	// interpreter as a single argument, so multi-line scripts work
	// without temp files.
	Script string

	// Shell selects the interpreter. Empty defaults to bash.
	Shell model.ShellKind

	// Dir is the working directory. Empty means the current directory
	// of the calling process.
	Dir string

	// Env is the complete environment for the process as KEY=VALUE
	// pairs. Nil inherits the parent process environment.
	Env []string

	// Timeout bounds the execution. Zero means no per-script timeout;
	// the context passed to Run still applies.
	Timeout time.Duration
}

// Result reports how a script execution ended.
type Result struct {
	// ExitCode is the process exit code. -1 when the process was
	// killed before exiting on its own.
	ExitCode int

	// Duration is the wall-clock time from start to reap.
	Duration time.Duration

	// TimedOut is true when the execution was killed because a
	// deadline elapsed rather than by explicit cancellation.
	TimedOut bool
}

// LineFunc receives one line of process output. stream is
// StreamStdout or StreamStderr. Calls arrive from two goroutines (one
// per pipe), so implementations must be safe for concurrent use.
type LineFunc func(stream, line string)

// Argv returns the interpreter command line for a script.
//
// bash runs with -e and -o pipefail so that any failing command,
// including one on the left side of a pipe, fails the step. sh gets
// -e only (pipefail is not portable). pwsh relies on its own
// $ErrorActionPreference semantics.
func Argv(kind model.ShellKind, script string) ([]string, error) {
	switch kind {
	case model.ShellBash, "":
		return []string{"bash", "-e", "-o", "pipefail", "-c", script}, nil
	case model.ShellSh:
		return []string{"sh", "-e", "-c", script}, nil
	case model.ShellPwsh:
		return []string{"pwsh", "-Command", script}, nil
	default:
		return nil, fmt.Errorf("unsupported shell %q", kind)
	}
}

// Run executes a script and streams its output to onLine.
//
// A non-zero exit code is a normal completion, reported through
// Result.ExitCode with a nil error. The error return is reserved for
// executions that did not complete: the interpreter could not start,
// the context was cancelled, or a deadline elapsed. Cancellation and
// timeouts surface the context error, so callers can distinguish them
// with errors.Is.
func Run(ctx context.Context, spec Spec, onLine LineFunc) (*Result, error) {
	argv, err := Argv(spec.Shell, spec.Script)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// Each script gets its own process group so the kill below reaches
	// background processes the script started, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	// Both pipes must be fully drained before cmd.Wait, which closes
	// them.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, StreamStdout, onLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, StreamStderr, onLine)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	result := &Result{Duration: time.Since(start)}

	// A context error takes precedence over the exit status: a killed
	// process reports a meaningless -1 and the caller needs to know
	// whether it was a timeout or a cancellation.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		result.ExitCode = -1
		result.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		return result, ctxErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed waiting for %s: %w", argv[0], waitErr)
	}

	return result, nil
}

// scanLines reads a pipe line by line until EOF. Scan errors are not
// reported separately; a torn-down pipe always coincides with a
// process exit status that tells the real story.
func scanLines(r io.Reader, stream string, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxScanLine)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
}

// MergeEnv layers variable maps onto a base KEY=VALUE environment.
// Overlays apply in order, so later maps win for keys declared in
// more than one, and every overlay wins over the base: the process
// environment keeps the last occurrence of a duplicated key.
//
// Keys within each overlay are appended in sorted order so the
// resulting environment is deterministic.
func MergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make([]string, len(base), len(base)+16)
	copy(merged, base)

	for _, overlay := range overlays {
		keys := make([]string, 0, len(overlay))
		for k := range overlay {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			merged = append(merged, k+"="+overlay[k])
		}
	}

	return merged
}
