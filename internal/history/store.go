// Package history persists run outcomes to a local SQLite database,
// so past runs survive process exits and can be inspected with
// "gantry history". Recording is best effort: a broken database file
// never fails a run.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// DefaultFileName is the database file name under the state
// directory, typically <workspace>/.gantry/history.db.
const DefaultFileName = "history.db"

// defaultRecentLimit bounds Recent when the caller passes no limit.
const defaultRecentLimit = 20

// ErrNotFound reports that no stored run matches the given ID or ID
// prefix.
var ErrNotFound = errors.New("no matching run")

// RunRecord is one stored run, as listed by "gantry history".
type RunRecord struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	Event      model.EventType `json:"event"`
	Branch     string          `json:"branch,omitempty"`
	Conclusion model.RunStatus `json:"conclusion"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`

	// Jobs is the number of job instances the run executed.
	Jobs int `json:"jobs"`
}

// Duration returns the wall-clock time the run took.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobRecord is one stored job outcome within a run.
type JobRecord struct {
	RunID      string            `json:"runId"`
	Name       string            `json:"name"`
	Matrix     map[string]string `json:"matrix,omitempty"`
	Conclusion model.RunStatus   `json:"conclusion"`
	ExitCode   int               `json:"exitCode"`
	DurationMS int64             `json:"durationMs"`
	LogPath    string            `json:"logPath,omitempty"`
}

// Store is the SQLite-backed run history.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates or opens the history database at path, making parent
// directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		event TEXT NOT NULL,
		branch TEXT,
		conclusion TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		matrix_json TEXT,
		conclusion TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		log_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores one finished run together with its job outcomes. The
// insert is transactional: a run never appears without its jobs.
func (s *Store) Record(res *model.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO runs (id, workflow, event, branch, conclusion, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, res.ID, res.Workflow, string(res.Event), res.Branch, res.Status.String(),
		res.StartedAt, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", res.ID, err)
	}

	for i := range res.Jobs {
		j := &res.Jobs[i]
		var matrixJSON any
		if len(j.Matrix) > 0 {
			b, err := json.Marshal(j.Matrix)
			if err != nil {
				return fmt.Errorf("failed to encode matrix for job %q: %w", j.DisplayName, err)
			}
			matrixJSON = string(b)
		}
		_, err = tx.Exec(`
			INSERT INTO jobs (run_id, name, matrix_json, conclusion, exit_code, duration_ms, log_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, res.ID, j.DisplayName, matrixJSON, j.Status.String(), j.ExitCode,
			j.Duration().Milliseconds(), j.LogPath)
		if err != nil {
			return fmt.Errorf("failed to record job %q: %w", j.DisplayName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", res.ID, err)
	}
	return nil
}

// Recent returns the most recent runs, newest first. A non-positive
// limit falls back to a small default.
func (s *Store) Recent(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.Query(`
		SELECT id, workflow, event, branch, conclusion, started_at, finished_at,
			(SELECT COUNT(*) FROM jobs WHERE jobs.run_id = runs.id)
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Run returns one stored run and its job outcomes in execution order.
// The ID may be a unique prefix of the full run ID, in the way Docker
// accepts container ID prefixes.
func (s *Store) Run(id string) (*RunRecord, []JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workflow, event, branch, conclusion, started_at, finished_at,
			(SELECT COUNT(*) FROM jobs WHERE jobs.run_id = runs.id)
		FROM runs
		WHERE id = ? OR id LIKE ? || '%'
		LIMIT 2
	`, id, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var matches []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, nil, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	switch {
	case len(matches) == 0:
		return nil, nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	case len(matches) > 1:
		return nil, nil, fmt.Errorf("run ID %q matches multiple runs", id)
	}
	rec := matches[0]

	jobs, err := s.runJobs(rec.ID)
	if err != nil {
		return nil, nil, err
	}
	return &rec, jobs, nil
}

// runJobs loads a run's job outcomes, in the order they were
// recorded, which is the plan's execution order.
func (s *Store) runJobs(runID string) ([]JobRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, name, matrix_json, conclusion, exit_code, duration_ms, log_path
		FROM jobs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var j JobRecord
		var conclusion string
		var matrixJSON, logPath sql.NullString
		if err := rows.Scan(&j.RunID, &j.Name, &matrixJSON, &conclusion,
			&j.ExitCode, &j.DurationMS, &logPath); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		j.Conclusion = model.RunStatus(conclusion)
		j.LogPath = logPath.String
		if matrixJSON.Valid && matrixJSON.String != "" {
			if err := json.Unmarshal([]byte(matrixJSON.String), &j.Matrix); err != nil {
				return nil, fmt.Errorf("failed to decode matrix for job %q: %w", j.Name, err)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Prune deletes all but the newest keep runs, with their jobs, and
// returns how many runs were removed.
func (s *Store) Prune(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		DELETE FROM jobs WHERE run_id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return int(pruned), nil
}

// scanRun reads one row of the runs query, which always selects the
// same columns plus the job count.
func scanRun(rows *sql.Rows) (RunRecord, error) {
	var rec RunRecord
	var event, conclusion string
	var branch sql.NullString
	if err := rows.Scan(&rec.ID, &rec.Workflow, &event, &branch, &conclusion,
		&rec.StartedAt, &rec.FinishedAt, &rec.Jobs); err != nil {
		return rec, fmt.Errorf("failed to scan run row: %w", err)
	}
	rec.Event = model.EventType(event)
	rec.Branch = branch.String
	rec.Conclusion = model.RunStatus(conclusion)
	return rec, nil
}
