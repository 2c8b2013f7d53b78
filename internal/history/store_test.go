package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// openTestStore opens a store in a fresh temp directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), ".gantry", DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// sampleRun builds a finished run result with two jobs, offset
// minutes into the past so recorded runs order deterministically.
func sampleRun(id, workflow string, minutesAgo int, status model.RunStatus) *model.RunResult {
	started := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	return &model.RunResult{
		ID:         id,
		Workflow:   workflow,
		Event:      model.EventPush,
		Branch:     "main",
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
		Jobs: []model.JobResult{
			{
				Workflow:    workflow,
				Job:         "lint",
				DisplayName: "lint",
				Status:      model.StatusSuccess,
				StartedAt:   started,
				FinishedAt:  started.Add(10 * time.Second),
				LogPath:     ".gantry/logs/" + id + "/lint.log",
			},
			{
				Workflow:    workflow,
				Job:         "test",
				DisplayName: "test (3.12)",
				Matrix:      map[string]string{"python-version": "3.12"},
				Status:      status,
				ExitCode:    1,
				StartedAt:   started.Add(10 * time.Second),
				FinishedAt:  started.Add(25 * time.Second),
				LogPath:     ".gantry/logs/" + id + "/test-3.12.log",
			},
		},
	}
}

// --- Store tests ---

// TestOpen verifies that opening creates the database file and its
// parent directories.
func TestOpen(t *testing.T) {
	s := openTestStore(t)

	assert.FileExists(t, s.Path())
	assert.Equal(t, DefaultFileName, filepath.Base(s.Path()))
}

// TestRecordAndRecent verifies that recorded runs come back newest
// first with their fields intact.
func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	older := sampleRun("run-aaaa-1111", "ci", 10, model.StatusSuccess)
	newer := sampleRun("run-bbbb-2222", "deploy", 1, model.StatusFailure)
	require.NoError(t, s.Record(older))
	require.NoError(t, s.Record(newer))

	records, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "run-bbbb-2222", records[0].ID)
	assert.Equal(t, "deploy", records[0].Workflow)
	assert.Equal(t, model.EventPush, records[0].Event)
	assert.Equal(t, "main", records[0].Branch)
	assert.Equal(t, model.StatusFailure, records[0].Conclusion)
	assert.Equal(t, 2, records[0].Jobs)
	assert.WithinDuration(t, newer.StartedAt, records[0].StartedAt, time.Second)
	assert.WithinDuration(t, newer.FinishedAt, records[0].FinishedAt, time.Second)

	assert.Equal(t, "run-aaaa-1111", records[1].ID)
	assert.Equal(t, model.StatusSuccess, records[1].Conclusion)
}

// TestRecent_Limit verifies the row cap.
func TestRecent_Limit(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		run := sampleRun(string(rune('a'+i))+"-run", "ci", 50-i, model.StatusSuccess)
		require.NoError(t, s.Record(run))
	}

	records, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "e-run", records[0].ID, "newest run first")
}

// TestRecent_Empty verifies an empty store lists nothing.
func TestRecent_Empty(t *testing.T) {
	s := openTestStore(t)

	records, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestRun_ByID verifies lookup by full ID, including the job rows in
// execution order.
func TestRun_ByID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(sampleRun("run-cccc-3333", "ci", 5, model.StatusFailure)))

	rec, jobs, err := s.Run("run-cccc-3333")
	require.NoError(t, err)

	assert.Equal(t, "run-cccc-3333", rec.ID)
	assert.Equal(t, model.StatusFailure, rec.Conclusion)

	require.Len(t, jobs, 2)
	assert.Equal(t, "lint", jobs[0].Name)
	assert.Equal(t, model.StatusSuccess, jobs[0].Conclusion)
	assert.Empty(t, jobs[0].Matrix)
	assert.Equal(t, int64(10000), jobs[0].DurationMS)

	assert.Equal(t, "test (3.12)", jobs[1].Name)
	assert.Equal(t, model.StatusFailure, jobs[1].Conclusion)
	assert.Equal(t, 1, jobs[1].ExitCode)
	assert.Equal(t, map[string]string{"python-version": "3.12"}, jobs[1].Matrix)
	assert.Equal(t, ".gantry/logs/run-cccc-3333/test-3.12.log", jobs[1].LogPath)
}

// TestRun_ByPrefix verifies that a unique ID prefix resolves, an
// ambiguous one errors, and an unknown one reports ErrNotFound.
func TestRun_ByPrefix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(sampleRun("abcd-1111", "ci", 5, model.StatusSuccess)))
	require.NoError(t, s.Record(sampleRun("abff-2222", "ci", 4, model.StatusSuccess)))

	rec, _, err := s.Run("abc")
	require.NoError(t, err)
	assert.Equal(t, "abcd-1111", rec.ID)

	_, _, err = s.Run("ab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches multiple runs")

	_, _, err = s.Run("zzzz")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestPrune verifies that pruning keeps the newest runs and deletes
// the rest together with their jobs.
func TestPrune(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		run := sampleRun(string(rune('a'+i))+"-run", "ci", 50-i, model.StatusSuccess)
		require.NoError(t, s.Record(run))
	}

	pruned, err := s.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	records, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "e-run", records[0].ID)
	assert.Equal(t, "d-run", records[1].ID)

	_, _, err = s.Run("a-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestPrune_KeepsEverythingUnderLimit verifies a no-op prune.
func TestPrune_KeepsEverythingUnderLimit(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(sampleRun("only-run", "ci", 1, model.StatusSuccess)))

	pruned, err := s.Prune(50)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	records, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestRecord_NoJobs verifies a run with no job instances still
// records.
func TestRecord_NoJobs(t *testing.T) {
	s := openTestStore(t)

	run := sampleRun("empty-run", "ci", 1, model.StatusSuccess)
	run.Jobs = nil
	require.NoError(t, s.Record(run))

	rec, jobs, err := s.Run("empty-run")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Jobs)
	assert.Empty(t, jobs)
}
