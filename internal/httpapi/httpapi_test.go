package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/agentclient"
	"github.com/jobforge/agentjobs/internal/appconfig"
	"github.com/jobforge/agentjobs/internal/orchestrator"
	"github.com/jobforge/agentjobs/internal/queue"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

type testServer struct {
	server *Server
	store  *store.Store
	ws     *workspace.Manager
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := store.Open(logger, appconfig.StoreConfig{Path: ":memory:", Environment: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db, logger)

	ws, err := workspace.New(t.TempDir(), 10*1024*1024, logger)
	require.NoError(t, err)

	registry := skills.NewDefaultRegistry()
	router := skills.NewRouter(registry, skills.DefaultFallbackThreshold)

	queueMgr, err := queue.NewManager(db.SQL(), "agentjobs-test", 3)
	require.NoError(t, err)

	orch := orchestrator.New(st, ws, router, queueMgr, agentclient.Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second}, logger)

	srv := New(orch, st, ws, registry, logger, "tenant-a", "user-1")
	srv.ssePollInterval = 10 * time.Millisecond

	return testServer{server: srv, store: st, ws: ws}
}

func multipartCreateJobBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("files", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestCreateJobReturns201AndEchoesRequestID(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"requirement":     "summarize this document",
		"idempotency_key": "key-1",
	}, "note.txt", "hello world")

	req := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "created", resp["status"])
}

func TestCreateJobRejectsMissingRequirement(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"idempotency_key": "key-2",
	}, "note.txt", "hello world")

	req := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobRejectsNoFiles(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"requirement":     "summarize this document",
		"idempotency_key": "key-3",
	}, "", "")

	req := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobReturns404ForUnknownID(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateThenGetThenAbortJob(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"requirement":     "summarize this document",
		"idempotency_key": "key-4",
	}, "note.txt", "hello world")

	createReq := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	createReq.Header.Set("Content-Type", contentType)
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	jobID := created["job_id"].(string)

	getReq := httptest.NewRequest(http.MethodGet, apiPrefix+"/jobs/"+jobID, nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &job))
	assert.Equal(t, jobID, job["job_id"])
	assert.Nil(t, job["model"])

	abortReq := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs/"+jobID+"/abort", nil)
	abortRec := httptest.NewRecorder()
	handler.ServeHTTP(abortRec, abortReq)
	require.Equal(t, http.StatusOK, abortRec.Code)

	var aborted map[string]interface{}
	require.NoError(t, json.Unmarshal(abortRec.Body.Bytes(), &aborted))
	assert.Equal(t, "aborted", aborted["status"])

	// Replaying abort on an already-aborted job is a no-op, not an error.
	abortAgainRec := httptest.NewRecorder()
	handler.ServeHTTP(abortAgainRec, httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs/"+jobID+"/abort", nil))
	assert.Equal(t, http.StatusOK, abortAgainRec.Code)
}

func TestListArtifactsForUnstartedJobIsEmpty(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"requirement":     "summarize this document",
		"idempotency_key": "key-5",
	}, "note.txt", "hello world")

	createReq := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	createReq.Header.Set("Content-Type", contentType)
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	jobID := created["job_id"].(string)

	artifactsReq := httptest.NewRequest(http.MethodGet, apiPrefix+"/jobs/"+jobID+"/artifacts", nil)
	artifactsRec := httptest.NewRecorder()
	handler.ServeHTTP(artifactsRec, artifactsReq)
	require.Equal(t, http.StatusOK, artifactsRec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(artifactsRec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["bundle_ready"])
}

func TestListSkillsAndGetSkill(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, apiPrefix+"/skills", nil))
	require.Equal(t, http.StatusOK, listRec.Code)

	var identities []map[string]interface{}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &identities))
	require.NotEmpty(t, identities)

	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, apiPrefix+"/skills/general-default", nil))
	require.Equal(t, http.StatusOK, getRec.Code)

	getMissingRec := httptest.NewRecorder()
	handler.ServeHTTP(getMissingRec, httptest.NewRequest(http.MethodGet, apiPrefix+"/skills/no-such-skill", nil))
	assert.Equal(t, http.StatusNotFound, getMissingRec.Code)
}

func TestJobEventsStreamsCreatedEvent(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.server.Handler()

	body, contentType := multipartCreateJobBody(t, map[string]string{
		"requirement":     "summarize this document",
		"idempotency_key": "key-6",
	}, "note.txt", "hello world")

	createReq := httptest.NewRequest(http.MethodPost, apiPrefix+"/jobs", body)
	createReq.Header.Set("Content-Type", contentType)
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	jobID := created["job_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/jobs/"+jobID+"/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "event: job.created")
}
