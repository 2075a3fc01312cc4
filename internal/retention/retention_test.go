package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/models"
)

type fakeStore struct {
	stale           []models.Job
	terminalIDs     []string
	failedJobIDs    []string
	deletedCount    int
	errorCodes      map[string]string
	appendedEvents  []models.JobEvent
}

func (f *fakeStore) GetStaleJobs(ctx context.Context, staleMinutes int) ([]models.Job, error) {
	return f.stale, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, jobID string, fromSet []models.JobStatus, to models.JobStatus) error {
	f.failedJobIDs = append(f.failedJobIDs, jobID)
	return nil
}

func (f *fakeStore) SetError(ctx context.Context, jobID, code, message string) error {
	if f.errorCodes == nil {
		f.errorCodes = make(map[string]string)
	}
	f.errorCodes[jobID] = code
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, event models.JobEvent) (int64, error) {
	f.appendedEvents = append(f.appendedEvents, event)
	return int64(len(f.appendedEvents)), nil
}

func (f *fakeStore) ListTerminalOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error) {
	return f.terminalIDs, nil
}

func (f *fakeStore) DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return f.deletedCount, nil
}

type fakeWorkspace struct {
	removed []string
}

func (f *fakeWorkspace) RemoveJobWorkspace(jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

func TestRunSweepReapsStaleJobs(t *testing.T) {
	st := &fakeStore{stale: []models.Job{{JobID: "job-1"}, {JobID: "job-2"}}}
	ws := &fakeWorkspace{}
	svc := New(st, ws, 30, 168*time.Hour, arbor.NewLogger())

	svc.runSweep()

	assert.ElementsMatch(t, []string{"job-1", "job-2"}, st.failedJobIDs)
	assert.Equal(t, "job.stale", st.errorCodes["job-1"])
	require.Len(t, st.appendedEvents, 2)
	assert.Equal(t, "job.failed", st.appendedEvents[0].EventType)
}

func TestRunSweepReclaimsTerminalJobsAndWorkspaces(t *testing.T) {
	st := &fakeStore{terminalIDs: []string{"job-3", "job-4"}, deletedCount: 2}
	ws := &fakeWorkspace{}
	svc := New(st, ws, 30, 168*time.Hour, arbor.NewLogger())

	svc.runSweep()

	assert.ElementsMatch(t, []string{"job-3", "job-4"}, ws.removed)
}

func TestRunSweepIsNoopWhenNothingIsDue(t *testing.T) {
	st := &fakeStore{}
	ws := &fakeWorkspace{}
	svc := New(st, ws, 30, 168*time.Hour, arbor.NewLogger())

	svc.runSweep()

	assert.Empty(t, st.failedJobIDs)
	assert.Empty(t, ws.removed)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	svc := New(&fakeStore{}, &fakeWorkspace{}, 30, time.Hour, arbor.NewLogger())
	err := svc.Start("not a cron expression")
	require.Error(t, err)
}
