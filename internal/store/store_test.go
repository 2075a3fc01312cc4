package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/appconfig"
	"github.com/jobforge/agentjobs/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()
	cfg := appconfig.StoreConfig{
		Path:          ":memory:",
		Environment:   "test",
		WALMode:       false,
		CacheSizeMB:   8,
		BusyTimeoutMS: 2000,
	}
	db, err := Open(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logger)
}

func testJob(jobID string) models.Job {
	return models.Job{
		JobID:       jobID,
		TenantID:    "tenant-a",
		CreatedBy:   "user-1",
		Requirement: "summarize the quarterly report",
		RequirementHash: "hash-" + jobID,
		Agent:       "opencode",
		Model:       &models.ModelRef{ProviderID: "anthropic", ModelID: "claude-test"},
		Status:      models.JobStatusCreated,
		WorkspaceDir: "/data/jobs/" + jobID,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.TenantID, got.TenantID)
	assert.Equal(t, models.JobStatusCreated, got.Status)
	require.NotNil(t, got.Model)
	assert.Equal(t, "anthropic", got.Model.ProviderID)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusLegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-2")))

	err := s.SetStatus(ctx, "job-2", []models.JobStatus{models.JobStatusCreated}, models.JobStatusQueued)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestSetStatusRejectsWrongFromSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-3")))

	// job is "created", but we claim it should come from "queued" - no row matches.
	err := s.SetStatus(ctx, "job-3", []models.JobStatus{models.JobStatusQueued}, models.JobStatusRunning)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := s.GetJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCreated, got.Status, "status must be unchanged after a rejected transition")
}

func TestSetStatusRejectsIllegalTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-4")))

	// created -> packaging skips the whole pipeline and is never legal.
	err := s.SetStatus(ctx, "job-4", []models.JobStatus{models.JobStatusCreated}, models.JobStatusPackaging)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestSetSessionIDIsIdempotentOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-5")))

	require.NoError(t, s.SetSessionID(ctx, "job-5", "sess-abc"))
	// Re-applying the same session id is a no-op.
	require.NoError(t, s.SetSessionID(ctx, "job-5", "sess-abc"))

	err := s.SetSessionID(ctx, "job-5", "sess-different")
	assert.ErrorIs(t, err, ErrSessionAlreadySet)

	got, err := s.GetJob(ctx, "job-5")
	require.NoError(t, err)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-abc", *got.SessionID)
}

func TestAppendAndStreamEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-6")))

	id1, err := s.AppendEvent(ctx, models.JobEvent{
		JobID: "job-6", Source: models.EventSourceWorker, EventType: "status.changed",
		Payload: map[string]interface{}{"to": "queued"},
	})
	require.NoError(t, err)

	id2, err := s.AppendEvent(ctx, models.JobEvent{
		JobID: "job-6", Source: models.EventSourceWorker, EventType: "status.changed",
		Payload: map[string]interface{}{"to": "running"},
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	all, err := s.StreamEvents(ctx, "job-6", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	sinceFirst, err := s.StreamEvents(ctx, "job-6", id1)
	require.NoError(t, err)
	require.Len(t, sinceFirst, 1)
	assert.Equal(t, id2, sinceFirst[0].ID)
}

func TestAddPermissionActionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-7")))

	action := models.PermissionAction{
		JobID: "job-7", RequestID: "req-1", Action: models.PermissionDecisionOnce, Actor: "policy-engine",
	}
	require.NoError(t, s.AddPermissionAction(ctx, action))
	// A duplicate reply to the same request must not error or change the decision.
	duplicate := action
	duplicate.Action = models.PermissionDecisionReject
	require.NoError(t, s.AddPermissionAction(ctx, duplicate))

	got, err := s.GetPermissionAction(ctx, "job-7", "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionDecisionOnce, got.Action, "first recorded decision wins")
}

func TestUpsertFileAndListFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-8")))

	file := models.JobFile{
		JobID: "job-8", Category: models.JobFileCategoryOutput,
		RelativePath: "outputs/report.md", MimeType: "text/markdown",
		SizeBytes: 128, SHA256: "abc123",
	}
	require.NoError(t, s.UpsertFile(ctx, file))

	// Re-hash after verification updates the same row in place.
	file.SHA256 = "def456"
	file.SizeBytes = 130
	require.NoError(t, s.UpsertFile(ctx, file))

	files, err := s.ListFiles(ctx, "job-8", models.JobFileCategoryOutput)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "def456", files[0].SHA256)
	assert.Equal(t, int64(130), files[0].SizeBytes)
}

func TestClaimIdempotencyFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-9")))
	require.NoError(t, s.CreateJob(ctx, testJob("job-10")))

	claimed, owner, err := s.ClaimIdempotency(ctx, "tenant-a", "key-1", "req-hash-x", "job-9")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "job-9", owner)

	// Same key, same hash, different job: loses the race but is not an error -
	// the caller is told to treat job-9 as the canonical job.
	claimed, owner, err = s.ClaimIdempotency(ctx, "tenant-a", "key-1", "req-hash-x", "job-10")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "job-9", owner)

	// Same key, different hash: a distinct triple, so this is a fresh claim
	// that wins outright rather than a conflict.
	claimed, owner, err = s.ClaimIdempotency(ctx, "tenant-a", "key-1", "req-hash-y", "job-10")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "job-10", owner)
}

func TestMarkRunningJobsAsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob("job-11")))
	require.NoError(t, s.SetStatus(ctx, "job-11", []models.JobStatus{models.JobStatusCreated}, models.JobStatusQueued))
	require.NoError(t, s.SetStatus(ctx, "job-11", []models.JobStatus{models.JobStatusQueued}, models.JobStatusRunning))

	n, err := s.MarkRunningJobsAsPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, "job-11")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}
