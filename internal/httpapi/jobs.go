package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/jobforge/agentjobs/internal/models"
	"github.com/jobforge/agentjobs/internal/orchestrator"
	"github.com/jobforge/agentjobs/internal/store"
)

// createJobForm holds POST /jobs's scalar fields for go-playground/validator
// to check before anything touches the workspace or store.
type createJobForm struct {
	Requirement    string `validate:"required"`
	TenantID       string `validate:"required"`
	IdempotencyKey string `validate:"required"`
}

// handleCreateJob handles POST /api/v1/jobs: a multipart form carrying the
// requirement text, one or more files, and optional routing/model overrides.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "input.invalid", "malformed multipart form: "+err.Error())
		return
	}

	requirement := strings.TrimSpace(r.FormValue("requirement"))
	tenantID := strings.TrimSpace(r.FormValue("tenant_id"))
	if tenantID == "" {
		tenantID = s.defaultTenantID
	}
	createdBy := strings.TrimSpace(r.FormValue("created_by"))
	if createdBy == "" {
		createdBy = s.defaultActor
	}
	idempotencyKey := strings.TrimSpace(r.FormValue("idempotency_key"))

	form := createJobForm{Requirement: requirement, TenantID: tenantID, IdempotencyKey: idempotencyKey}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, "input.invalid", err.Error())
		return
	}

	var fileHeaders []*multipart.FileHeader
	if r.MultipartForm != nil {
		fileHeaders = r.MultipartForm.File["files"]
	}
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "input.invalid", "at least one file is required")
		return
	}

	files := make([]orchestrator.UploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "input.invalid", "could not read uploaded file "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "input.invalid", "could not read uploaded file "+fh.Filename)
			return
		}
		files = append(files, orchestrator.UploadedFile{Filename: fh.Filename, Data: data})
	}

	providerID := strings.TrimSpace(r.FormValue("model_provider_id"))
	modelID := strings.TrimSpace(r.FormValue("model_id"))
	if (providerID == "") != (modelID == "") {
		writeError(w, http.StatusBadRequest, "input.invalid", "model_provider_id and model_id must appear together")
		return
	}
	var model *models.ModelRef
	if providerID != "" {
		model = &models.ModelRef{ProviderID: providerID, ModelID: modelID}
	}

	var outputContract map[string]interface{}
	if raw := strings.TrimSpace(r.FormValue("output_contract")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &outputContract); err != nil {
			writeError(w, http.StatusBadRequest, "input.invalid", "output_contract must be valid JSON")
			return
		}
	}

	result, err := s.orchestrator.CreateJob(r.Context(), orchestrator.CreateJobRequest{
		TenantID:       tenantID,
		CreatedBy:      createdBy,
		Requirement:    requirement,
		Files:          files,
		IdempotencyKey: idempotencyKey,
		SkillCode:      r.FormValue("skill_code"),
		Agent:          r.FormValue("agent"),
		Model:          model,
		OutputContract: outputContract,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "input.invalid", err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "internal", "create job failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":         result.JobID,
		"status":         result.Status,
		"selected_skill": result.SelectedSkill,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	view, err := s.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, jobViewJSON(view))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request, jobID string) {
	status, err := s.orchestrator.StartJob(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, orchestrator.ErrAgentUnavailable):
			writeError(w, http.StatusServiceUnavailable, "agent.unavailable", err.Error())
		case errors.Is(err, orchestrator.ErrStatusConflict):
			writeError(w, http.StatusConflict, "state.illegal_transition", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", "start job failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "status": status})
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request, jobID string) {
	_, err := s.orchestrator.AbortJob(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, orchestrator.ErrStatusConflict):
			writeError(w, http.StatusBadRequest, "state.illegal_transition", "job is already terminal")
		default:
			writeError(w, http.StatusInternalServerError, "internal", "abort job failed")
		}
		return
	}

	view, err := s.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "reload job after abort failed")
		return
	}
	writeJSON(w, http.StatusOK, jobViewJSON(view))
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request, jobID string) {
	files, bundleReady, err := s.orchestrator.ListArtifacts(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "list artifacts failed")
		return
	}

	artifacts := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		artifacts = append(artifacts, map[string]interface{}{
			"artifact_id":   encodeArtifactID(f.RelativePath),
			"category":      f.Category,
			"relative_path": f.RelativePath,
			"mime_type":     f.MimeType,
			"size_bytes":    f.SizeBytes,
			"sha256":        f.SHA256,
			"created_at":    f.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":       jobID,
		"artifacts":    artifacts,
		"bundle_ready": bundleReady,
	})
}

func (s *Server) handleDownloadBundle(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed")
		return
	}
	if job.ResultBundlePath == "" {
		writeError(w, http.StatusNotFound, "not_found", "bundle is not ready")
		return
	}
	s.streamFile(w, r, jobID, job.ResultBundlePath, "application/zip")
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request, jobID, artifactID string) {
	relativePath, err := decodeArtifactID(artifactID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "artifact not found")
		return
	}

	files, _, err := s.orchestrator.ListArtifacts(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "list artifacts failed")
		return
	}

	var match *models.JobFile
	for i := range files {
		if files[i].RelativePath == relativePath {
			match = &files[i]
			break
		}
	}
	if match == nil {
		writeError(w, http.StatusNotFound, "not_found", "artifact not found")
		return
	}

	s.streamFile(w, r, jobID, match.RelativePath, match.MimeType)
}

func (s *Server) streamFile(w http.ResponseWriter, r *http.Request, jobID, relativePath, mimeType string) {
	f, err := s.workspace.OpenFile(jobID, relativePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "stat failed")
		return
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	http.ServeContent(w, r, filepath.Base(relativePath), info.ModTime(), f)
}

// jobViewJSON renders an orchestrator.JobView the way §6.1 documents: model
// present as {providerID, modelID} or explicit null, never simply omitted.
func jobViewJSON(v orchestrator.JobView) map[string]interface{} {
	var model interface{}
	if v.Model != nil {
		model = v.Model
	}
	return map[string]interface{}{
		"job_id":             v.JobID,
		"tenant_id":          v.TenantID,
		"created_by":         v.CreatedBy,
		"requirement":        v.Requirement,
		"requirement_hash":   v.RequirementHash,
		"selected_skill":     v.SelectedSkill,
		"agent":              v.Agent,
		"model":              model,
		"output_contract":    v.OutputContract,
		"status":             v.Status,
		"session_id":         v.SessionID,
		"workspace_dir":      v.WorkspaceDir,
		"result_bundle_path": v.ResultBundlePath,
		"error_code":         v.ErrorCode,
		"error_message":      v.ErrorMessage,
		"created_at":         v.CreatedAt,
		"updated_at":         v.UpdatedAt,
		"input_files":        v.InputFiles,
		"bundle_ready":       v.BundleReady,
	}
}

func encodeArtifactID(relativePath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(relativePath))
}

func decodeArtifactID(artifactID string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(artifactID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
