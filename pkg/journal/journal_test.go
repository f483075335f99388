package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestPutGetRun(t *testing.T) {
	j := openTestJournal(t)

	entry := &RunEntry{
		RunID:     "run-1",
		Mode:      "full",
		StartedAt: time.Now().UTC(),
		Records: []types.RunRecord{
			{Module: "website", Phase: types.PhaseExecute, Outcome: types.OutcomeOK},
		},
	}
	require.NoError(t, j.PutRun(entry))

	got, err := j.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "full", got.Mode)
	require.Len(t, got.Records, 1)
	assert.Equal(t, types.OutcomeOK, got.Records[0].Outcome)

	_, err = j.GetRun("run-missing")
	assert.Error(t, err)
}

func TestLastRun(t *testing.T) {
	j := openTestJournal(t)

	last, err := j.LastRun()
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, j.PutRun(&RunEntry{RunID: "run-1", StartedAt: time.Now()}))
	require.NoError(t, j.PutRun(&RunEntry{RunID: "run-2", StartedAt: time.Now()}))

	last, err = j.LastRun()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "run-2", last.RunID)
}

func TestListRunsOrdered(t *testing.T) {
	j := openTestJournal(t)

	base := time.Now().UTC()
	require.NoError(t, j.PutRun(&RunEntry{RunID: "run-b", StartedAt: base.Add(time.Hour)}))
	require.NoError(t, j.PutRun(&RunEntry{RunID: "run-a", StartedAt: base}))

	runs, err := j.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[0].RunID)
	assert.Equal(t, "run-b", runs[1].RunID)
}

func TestResumeLifecycle(t *testing.T) {
	j := openTestJournal(t)

	resume, err := j.GetResume()
	require.NoError(t, err)
	assert.Nil(t, resume)

	require.NoError(t, j.SetResume(&Resume{
		RunID:     "run-7",
		Completed: []string{"dns", "website"},
	}))

	resume, err = j.GetResume()
	require.NoError(t, err)
	require.NotNil(t, resume)
	assert.Equal(t, "run-7", resume.RunID)
	assert.Equal(t, []string{"dns", "website"}, resume.Completed)

	require.NoError(t, j.ClearResume())
	resume, err = j.GetResume()
	require.NoError(t, err)
	assert.Nil(t, resume)
}
