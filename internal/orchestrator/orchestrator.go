// Package orchestrator implements the Orchestrator Service (C7): the
// public operation surface (create, start, query, abort, list artifacts)
// that enforces idempotency and the guardrails around the job state
// machine, wiring together the store, the workspace, the skill router, and
// the queue.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/agentclient"
	"github.com/jobforge/agentjobs/internal/models"
	"github.com/jobforge/agentjobs/internal/queue"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

var (
	// ErrInvalidInput covers malformed CreateJob requests and unresolvable
	// skill_code overrides - the caller (internal/httpapi) maps this to 400.
	ErrInvalidInput = errors.New("orchestrator: invalid input")

	// ErrAgentUnavailable is returned by StartJob when the agent server's
	// health probe fails; status is left unchanged.
	ErrAgentUnavailable = errors.New("orchestrator: agent server unavailable")

	// ErrStatusConflict is returned when the requested operation does not
	// apply to the job's current status.
	ErrStatusConflict = errors.New("orchestrator: job is not in a startable or abortable status")
)

// UploadedFile is one file attached to a CreateJob request, already read
// into memory so its digest can feed the requirement hash before anything
// is written to the workspace.
type UploadedFile struct {
	Filename string
	Data     []byte
}

// CreateJobRequest is the Orchestrator's CreateJob input.
type CreateJobRequest struct {
	TenantID       string
	CreatedBy      string
	Requirement    string
	Files          []UploadedFile
	IdempotencyKey string
	SkillCode      string // optional explicit override, see §4.6
	Agent          string
	Model          *models.ModelRef
	OutputContract map[string]interface{}
}

// CreateJobResult is what CreateJob returns to the caller.
type CreateJobResult struct {
	JobID         string
	Status        models.JobStatus
	SelectedSkill string
}

// JobView is GetJob's materialized projection: the job row plus its
// indexed input files and a convenience bundle-ready flag.
type JobView struct {
	models.Job
	InputFiles  []models.JobFile
	BundleReady bool
}

// Orchestrator is the public operation surface over the job state machine.
type Orchestrator struct {
	store     *store.Store
	workspace *workspace.Manager
	router    *skills.Router
	queueMgr  *queue.Manager
	agentCfg  agentclient.Config
	logger    arbor.ILogger
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(st *store.Store, ws *workspace.Manager, router *skills.Router, queueMgr *queue.Manager, agentCfg agentclient.Config, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		workspace: ws,
		router:    router,
		queueMgr:  queueMgr,
		agentCfg:  agentCfg,
		logger:    logger,
	}
}

// CreateJob computes the requirement hash, claims idempotency, persists
// uploads, resolves a skill, and inserts the job in status "created".
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (CreateJobResult, error) {
	requirement := strings.TrimSpace(req.Requirement)
	if requirement == "" {
		return CreateJobResult{}, fmt.Errorf("%w: requirement is required", ErrInvalidInput)
	}
	if req.TenantID == "" || req.IdempotencyKey == "" {
		return CreateJobResult{}, fmt.Errorf("%w: tenant_id and idempotency_key are required", ErrInvalidInput)
	}

	requirementHash := computeRequirementHash(requirement, req.Files)
	jobID := uuid.NewString()

	// The claim key is the (tenant, idempotency_key, requirement_hash) triple,
	// so a replay of the same key with a changed requirement never collides
	// with the original claim - it simply wins a fresh one and a new job_id
	// is created below.
	claimed, ownerJobID, err := o.store.ClaimIdempotency(ctx, req.TenantID, req.IdempotencyKey, requirementHash, jobID)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		existing, err := o.store.GetJob(ctx, ownerJobID)
		if err != nil {
			return CreateJobResult{}, fmt.Errorf("load existing job %s: %w", ownerJobID, err)
		}
		return CreateJobResult{JobID: existing.JobID, Status: existing.Status, SelectedSkill: existing.SelectedSkill}, nil
	}

	workspaceDir, err := o.workspace.CreateJobWorkspace(jobID)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("create workspace: %w", err)
	}

	inputRelPaths := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		relPath, size, sha, err := o.workspace.SaveInput(ctx, jobID, f.Filename, bytes.NewReader(f.Data))
		if err != nil {
			return CreateJobResult{}, fmt.Errorf("save input %s: %w", f.Filename, err)
		}
		if err := o.store.UpsertFile(ctx, models.JobFile{
			JobID:        jobID,
			Category:     models.JobFileCategoryInput,
			RelativePath: relPath,
			MimeType:     mimeTypeFor(f.Filename),
			SizeBytes:    size,
			SHA256:       sha,
		}); err != nil {
			return CreateJobResult{}, fmt.Errorf("index input %s: %w", f.Filename, err)
		}
		inputRelPaths = append(inputRelPaths, relPath)
	}

	routeResult, err := o.router.Route(req.SkillCode, requirement, inputRelPaths)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	selected := routeResult.Selected

	execCtx := skills.ExecutionContext{
		JobID:          jobID,
		Requirement:    requirement,
		InputFiles:     inputRelPaths,
		WorkspaceDir:   workspaceDir,
		OutputContract: req.OutputContract,
	}
	plan, err := selected.BuildExecutionPlan(ctx, execCtx)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("build execution plan: %w", err)
	}

	if err := o.workspace.WriteJobFile(jobID, "request.md", []byte(requestMarkdown(requirement, req.Files))); err != nil {
		return CreateJobResult{}, fmt.Errorf("write request.md: %w", err)
	}
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("marshal execution plan: %w", err)
	}
	if err := o.workspace.WriteJobFile(jobID, "execution-plan.json", planJSON); err != nil {
		return CreateJobResult{}, fmt.Errorf("write execution-plan.json: %w", err)
	}

	job := models.Job{
		JobID:           jobID,
		TenantID:        req.TenantID,
		CreatedBy:       req.CreatedBy,
		Requirement:     requirement,
		RequirementHash: requirementHash,
		SelectedSkill:   selected.Identity().Code,
		Agent:           req.Agent,
		Model:           req.Model,
		OutputContract:  req.OutputContract,
		Status:          models.JobStatusCreated,
		WorkspaceDir:    workspaceDir,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return CreateJobResult{}, fmt.Errorf("create job: %w", err)
	}

	if _, err := o.store.AppendEvent(ctx, models.JobEvent{
		JobID:     jobID,
		Source:    models.EventSourceAPI,
		EventType: "job.created",
		Message:   fmt.Sprintf("selected skill %s", selected.Identity().Code),
	}); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job.created event")
	}
	if routeResult.FallbackUsed {
		payload := map[string]interface{}{
			"candidates":    routeResult.Candidates,
			"winning_score": routeResult.WinningScore,
		}
		if _, err := o.store.AppendEvent(ctx, models.JobEvent{
			JobID:     jobID,
			Source:    models.EventSourceAPI,
			EventType: "skill.router.fallback",
			Payload:   payload,
		}); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record skill.router.fallback event")
		}
	}

	return CreateJobResult{JobID: jobID, Status: models.JobStatusCreated, SelectedSkill: selected.Identity().Code}, nil
}

// StartJob probes the agent server, transitions created/failed -> queued,
// and enqueues the job for a worker to claim.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusCreated && job.Status != models.JobStatusFailed {
		return job.Status, fmt.Errorf("%w: job is %s", ErrStatusConflict, job.Status)
	}

	client := agentclient.New(o.agentCfg, job.WorkspaceDir)
	if health, err := client.Health(ctx); err != nil || !health.Healthy {
		if err == nil {
			err = fmt.Errorf("agent reported unhealthy")
		}
		return job.Status, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	if err := o.store.SetStatus(ctx, jobID, []models.JobStatus{models.JobStatusCreated, models.JobStatusFailed}, models.JobStatusQueued); err != nil {
		current, getErr := o.store.GetJob(ctx, jobID)
		if getErr == nil {
			return current.Status, fmt.Errorf("%w: %v", ErrStatusConflict, err)
		}
		return "", err
	}

	if err := o.queueMgr.Enqueue(ctx, jobID); err != nil {
		return models.JobStatusQueued, fmt.Errorf("enqueue job: %w", err)
	}

	if _, err := o.store.AppendEvent(ctx, models.JobEvent{
		JobID:     jobID,
		Source:    models.EventSourceAPI,
		EventType: "job.enqueued",
		Payload:   map[string]interface{}{"queue": "default"},
	}); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job.enqueued event")
	}

	return models.JobStatusQueued, nil
}

// GetJob returns the materialized job projection the REST and SSE surfaces
// read from.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (JobView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	inputs, err := o.store.ListFiles(ctx, jobID, models.JobFileCategoryInput)
	if err != nil {
		return JobView{}, fmt.Errorf("list input files: %w", err)
	}
	return JobView{Job: job, InputFiles: inputs, BundleReady: job.ResultBundlePath != ""}, nil
}

// abortableFromStatuses excludes exactly {succeeded, aborted}, per §4.7.
var abortableFromStatuses = []models.JobStatus{
	models.JobStatusCreated,
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusWaitingApproval,
	models.JobStatusVerifying,
	models.JobStatusPackaging,
	models.JobStatusFailed,
}

// AbortJob writes aborted via a conditional update excluding {succeeded,
// aborted}. Replaying AbortJob on an already-aborted job is a no-op (§8).
func (o *Orchestrator) AbortJob(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status == models.JobStatusAborted {
		return models.JobStatusAborted, nil
	}

	if err := o.store.SetStatus(ctx, jobID, abortableFromStatuses, models.JobStatusAborted); err != nil {
		current, getErr := o.store.GetJob(ctx, jobID)
		if getErr == nil && current.Status == models.JobStatusAborted {
			return models.JobStatusAborted, nil
		}
		return job.Status, fmt.Errorf("%w: %v", ErrStatusConflict, err)
	}

	if _, err := o.store.AppendEvent(ctx, models.JobEvent{
		JobID:     jobID,
		Source:    models.EventSourceAPI,
		EventType: "job.aborted",
	}); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job.aborted event")
	}

	if job.SessionID != nil && *job.SessionID != "" {
		client := agentclient.New(o.agentCfg, job.WorkspaceDir)
		if err := client.AbortSession(ctx, *job.SessionID); err != nil {
			o.logger.Warn().Err(err).Str("job_id", jobID).Msg("best-effort AbortSession failed")
		}
	}

	return models.JobStatusAborted, nil
}

// ListArtifacts returns only the output and bundle categories, per the
// artifact-scoping invariant (§8).
func (o *Orchestrator) ListArtifacts(ctx context.Context, jobID string) ([]models.JobFile, bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	var out []models.JobFile
	for _, category := range models.ListableCategories() {
		files, err := o.store.ListFiles(ctx, jobID, category)
		if err != nil {
			return nil, false, fmt.Errorf("list %s files: %w", category, err)
		}
		out = append(out, files...)
	}
	return out, job.ResultBundlePath != "", nil
}

// computeRequirementHash hashes the trimmed requirement text together with
// each file's digest, sorted by (name, sha256) so upload order never
// changes the result - two submissions with the same content always claim
// the same idempotency key regardless of multipart field ordering.
func computeRequirementHash(requirement string, files []UploadedFile) string {
	type fileDigest struct{ name, sum string }

	digests := make([]fileDigest, 0, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.Data)
		digests = append(digests, fileDigest{name: f.Filename, sum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(digests, func(i, j int) bool {
		if digests[i].name != digests[j].name {
			return digests[i].name < digests[j].name
		}
		return digests[i].sum < digests[j].sum
	})

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(requirement)))
	for _, d := range digests {
		h.Write([]byte(d.name))
		h.Write([]byte(d.sum))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// requestMarkdown renders job/request.md: the human-readable record of what
// was asked for, bundled alongside the agent's output.
func requestMarkdown(requirement string, files []UploadedFile) string {
	var b strings.Builder
	b.WriteString("# Request\n\n")
	b.WriteString(requirement)
	b.WriteString("\n")
	if len(files) > 0 {
		b.WriteString("\n## Input files\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Filename, len(f.Data))
		}
	}
	return b.String()
}

func mimeTypeFor(filename string) string {
	t := mime.TypeByExtension(filepath.Ext(filename))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}
