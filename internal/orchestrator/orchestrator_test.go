package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/agentclient"
	"github.com/jobforge/agentjobs/internal/appconfig"
	"github.com/jobforge/agentjobs/internal/models"
	"github.com/jobforge/agentjobs/internal/queue"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

func newTestOrchestrator(t *testing.T, agentURL string) *Orchestrator {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := store.Open(logger, appconfig.StoreConfig{
		Path:        ":memory:",
		Environment: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db, logger)

	ws, err := workspace.New(t.TempDir(), 10*1024*1024, logger)
	require.NoError(t, err)

	registry := skills.NewDefaultRegistry()
	router := skills.NewRouter(registry, skills.DefaultFallbackThreshold)

	queueMgr, err := queue.NewManager(db.SQL(), "test-queue", 3)
	require.NoError(t, err)

	agentCfg := agentclient.Config{BaseURL: agentURL}

	return New(st, ws, router, queueMgr, agentCfg, logger)
}

func TestCreateJobSelectsSkillAndPersistsPlan(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	result, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "Summarize sales.csv into a report",
		IdempotencyKey: "key-1",
		Files: []UploadedFile{
			{Filename: "sales.csv", Data: []byte("date,amount\n2026-01-01,100\n")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "data-analysis", result.SelectedSkill)
	assert.Equal(t, models.JobStatusCreated, result.Status)

	view, err := o.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, "data-analysis", view.SelectedSkill)
	require.Len(t, view.InputFiles, 1)
	assert.Equal(t, "inputs/sales.csv", view.InputFiles[0].RelativePath)
}

func TestCreateJobIdempotentResubmitReturnsSameJob(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	req := CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "K1",
		Files:          []UploadedFile{{Filename: "note.txt", Data: []byte("hi")}},
	}

	first, err := o.CreateJob(ctx, req)
	require.NoError(t, err)

	second, err := o.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)

	req.Files[0].Data = []byte("hi, changed")
	third, err := o.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestCreateJobLowConfidenceFallsBackToDefault(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	result, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-fallback",
	})
	require.NoError(t, err)
	assert.Equal(t, "general-default", result.SelectedSkill)
}

func TestCreateJobExplicitSkillOverride(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	result, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "Summarize sales.csv into a report",
		IdempotencyKey: "key-override",
		SkillCode:      "ppt",
		Files:          []UploadedFile{{Filename: "sales.csv", Data: []byte("a,b\n1,2\n")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ppt", result.SelectedSkill)
}

func TestCreateJobRejectsUnknownSkillCode(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	_, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-bad-skill",
		SkillCode:      "does-not-exist",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStartJobTransitionsCreatedToQueued(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"healthy":true,"version":"test"}`))
	}))
	defer agentSrv.Close()

	o := newTestOrchestrator(t, agentSrv.URL)
	ctx := context.Background()

	created, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-start",
	})
	require.NoError(t, err)

	status, err := o.StartJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, status)
}

func TestStartJobReturnsAgentUnavailableWithoutChangingStatus(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer agentSrv.Close()

	o := newTestOrchestrator(t, agentSrv.URL)
	ctx := context.Background()

	created, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-unavailable",
	})
	require.NoError(t, err)

	_, err = o.StartJob(ctx, created.JobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	view, err := o.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCreated, view.Status)
}

func TestAbortJobIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	created, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-abort",
	})
	require.NoError(t, err)

	status, err := o.AbortJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAborted, status)

	status, err = o.AbortJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAborted, status)
}

func TestListArtifactsOnlyReturnsOutputAndBundleCategories(t *testing.T) {
	o := newTestOrchestrator(t, "")
	ctx := context.Background()

	created, err := o.CreateJob(ctx, CreateJobRequest{
		TenantID:       "tenant-a",
		CreatedBy:      "user-1",
		Requirement:    "hello",
		IdempotencyKey: "key-artifacts",
		Files:          []UploadedFile{{Filename: "in.txt", Data: []byte("data")}},
	})
	require.NoError(t, err)

	files, bundleReady, err := o.ListArtifacts(ctx, created.JobID)
	require.NoError(t, err)
	assert.False(t, bundleReady)
	for _, f := range files {
		assert.NotEqual(t, models.JobFileCategoryInput, f.Category)
	}
}
