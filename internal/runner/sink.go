// sink.go provides job output sinks. Every job instance writes its
// full output to a log file under the run's log directory; when a
// console is attached, lines are additionally streamed there with a
// per-job prefix so concurrent jobs stay readable.
package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Console serializes line output from concurrently running jobs onto
// a single writer, so lines from different jobs interleave whole
// rather than mid-line. A nil Console discards everything, which is
// what the JSON output mode and most tests want.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole wraps a writer for concurrent line output.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Println writes one line.
func (c *Console) Println(line string) {
	if c == nil || c.w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

// JobSink receives the output of one job instance: step output lines
// and section banners. All of it lands in the job's log file; lines
// also go to the console with the job's display name as prefix.
type JobSink struct {
	mu      sync.Mutex
	file    *os.File
	console *Console
	prefix  string
}

// NewJobSink creates the job's log file, making parent directories as
// needed.
func NewJobSink(logPath, prefix string, console *Console) (*JobSink, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return &JobSink{file: file, console: console, prefix: prefix}, nil
}

// Line records one line of step output. The signature matches
// shell.LineFunc so the sink can be handed to shell.Run directly.
// Safe for concurrent use: stdout and stderr stream from separate
// goroutines.
func (s *JobSink) Line(stream, line string) {
	s.mu.Lock()
	fmt.Fprintln(s.file, line)
	s.mu.Unlock()

	s.console.Println(s.prefix + line)
}

// Section writes a banner separating one step's output from the next.
func (s *JobSink) Section(title string) {
	s.mu.Lock()
	fmt.Fprintf(s.file, "=== %s\n", title)
	s.mu.Unlock()

	s.console.Println(s.prefix + "=== " + title)
}

// Close flushes and closes the log file.
func (s *JobSink) Close() error {
	return s.file.Close()
}

// logFileName turns a job display name like "test (3.12)" into a safe
// log file name like "test-3.12.log".
func logFileName(displayName string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(displayName) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-'
		switch {
		case valid:
			b.WriteRune(r)
			lastHyphen = r == '-'
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		name = "job"
	}
	return name + ".log"
}
