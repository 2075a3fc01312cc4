package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/models"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrIllegalTransition is returned by SetStatus when to is not reachable
// from the job's current status, or the job's current status is not in
// fromSet.
var ErrIllegalTransition = errors.New("store: illegal status transition")

// ErrSessionAlreadySet is returned by SetSessionID when the job already
// carries a different session_id.
var ErrSessionAlreadySet = errors.New("store: session_id already set")

// Store is the Job Store (C1): the single writer of job state, backed by
// sqlite. Every mutation serializes through mu in addition to sqlite's own
// single-connection discipline, matching the teacher's JobStorage pattern.
type Store struct {
	db     *sql.DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// New wraps an already-opened, already-migrated *DB.
func New(db *DB, logger arbor.ILogger) *Store {
	return &Store{db: db.SQL(), logger: logger}
}

// CreateJob inserts a new job in status "created". CreateJob itself is
// unconditional; idempotency is enforced separately by ClaimIdempotency.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	job.CreatedAt = time.Unix(now, 0).UTC()
	job.UpdatedAt = job.CreatedAt

	var providerID, modelID string
	if job.Model != nil {
		providerID, modelID = job.Model.ProviderID, job.Model.ModelID
	}

	var outputContract interface{}
	if len(job.OutputContract) > 0 {
		b, err := json.Marshal(job.OutputContract)
		if err != nil {
			return fmt.Errorf("marshal output_contract: %w", err)
		}
		outputContract = string(b)
	}

	var sessionID interface{}
	if job.SessionID != nil && *job.SessionID != "" {
		sessionID = *job.SessionID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, tenant_id, created_by, requirement, requirement_hash,
			selected_skill, agent, model_provider_id, model_model_id,
			output_contract, status, session_id, workspace_dir,
			result_bundle_path, error_code, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.TenantID, job.CreatedBy, job.Requirement, job.RequirementHash,
		nullString(job.SelectedSkill), job.Agent, providerID, modelID,
		outputContract, string(job.Status), sessionID, job.WorkspaceDir,
		nullString(job.ResultBundlePath), nullString(job.ErrorCode), nullString(job.ErrorMessage),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, tenant_id, created_by, requirement, requirement_hash,
		       selected_skill, agent, model_provider_id, model_model_id,
		       output_contract, status, session_id, workspace_dir,
		       result_bundle_path, error_code, error_message, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs for a tenant, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, tenant_id, created_by, requirement, requirement_hash,
		       selected_skill, agent, model_provider_id, model_model_id,
		       output_contract, status, session_id, workspace_dir,
		       result_bundle_path, error_code, error_message, created_at, updated_at
		FROM jobs WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetStatus performs the single conditional transition
// UPDATE jobs SET status = ? WHERE job_id = ? AND status IN (fromSet),
// guaranteeing linearizable transitions under concurrent workers: exactly
// one caller racing on the same fromSet wins.
func (s *Store) SetStatus(ctx context.Context, jobID string, fromSet []models.JobStatus, to models.JobStatus) error {
	for _, from := range fromSet {
		if !models.IsLegalTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(fromSet))
	args := make([]interface{}, 0, len(fromSet)+2)
	args = append(args, string(to))
	for i, f := range fromSet {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	args = append(args, jobID)

	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = ?, updated_at = strftime('%%s', 'now')
		WHERE status IN (%s) AND job_id = ?`, strings.Join(placeholders, ","))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s not in expected status set", ErrIllegalTransition, jobID)
	}
	return nil
}

// SetSessionID binds the opencode session to a job exactly once. A second
// call with a different value is rejected; a second call with the same
// value is a no-op, keeping the assignment idempotent under retries.
func (s *Store) SetSessionID(ctx context.Context, jobID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT session_id FROM jobs WHERE job_id = ?`, jobID).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if existing.Valid && existing.String != "" {
		if existing.String != sessionID {
			return ErrSessionAlreadySet
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET session_id = ?, updated_at = strftime('%s', 'now') WHERE job_id = ?`,
		sessionID, jobID)
	return err
}

// SetError records the terminal error taxonomy code/message without
// changing status - callers pair this with SetStatus(..., StatusFailed).
func (s *Store) SetError(ctx context.Context, jobID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET error_code = ?, error_message = ?, updated_at = strftime('%s', 'now') WHERE job_id = ?`,
		code, message, jobID)
	return err
}

// SetResultBundlePath records the packaged bundle's workspace-relative path.
func (s *Store) SetResultBundlePath(ctx context.Context, jobID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET result_bundle_path = ?, updated_at = strftime('%s', 'now') WHERE job_id = ?`,
		path, jobID)
	return err
}

// SetSelectedSkill records the router's resolved skill code.
func (s *Store) SetSelectedSkill(ctx context.Context, jobID, skillCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET selected_skill = ?, updated_at = strftime('%s', 'now') WHERE job_id = ?`,
		skillCode, jobID)
	return err
}

// AppendEvent inserts an append-only event row; id is assigned by sqlite's
// AUTOINCREMENT and is the monotonic cursor StreamEvents polls against.
func (s *Store) AppendEvent(ctx context.Context, event models.JobEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload interface{}
	if event.Payload != nil {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(b)
	}

	var status interface{}
	if event.Status != nil && *event.Status != "" {
		status = string(*event.Status)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, status, source, event_type, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%s', 'now'))`,
		event.JobID, status, string(event.Source), event.EventType, nullString(event.Message), payload,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return result.LastInsertId()
}

// StreamEvents returns events for jobID with id > cursor, in id order,
// giving the HTTP façade's SSE handler a resumable replay position.
func (s *Store) StreamEvents(ctx context.Context, jobID string, cursor int64) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, source, event_type, message, payload, created_at
		FROM job_events WHERE job_id = ? AND id > ? ORDER BY id ASC`, jobID, cursor)
	if err != nil {
		return nil, fmt.Errorf("stream events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var status, message, payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.Source, &e.EventType, &message, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if status.Valid {
			st := models.JobStatus(status.String)
			e.Status = &st
		}
		e.Message = message.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if payload.Valid && payload.String != "" {
			var v map[string]interface{}
			if err := json.Unmarshal([]byte(payload.String), &v); err == nil {
				e.Payload = v
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddPermissionAction records an approve/reject decision. The unique
// constraint on (job_id, request_id) makes a duplicate reply to the same
// permission request a no-op rather than a second, conflicting decision.
func (s *Store) AddPermissionAction(ctx context.Context, action models.PermissionAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO permission_actions (job_id, request_id, action, actor, created_at)
		VALUES (?, ?, ?, ?, strftime('%s', 'now'))`,
		action.JobID, action.RequestID, string(action.Action), action.Actor,
	)
	if err != nil {
		return fmt.Errorf("insert permission action: %w", err)
	}
	return nil
}

// GetPermissionAction returns the recorded decision for a request, or
// ErrNotFound if no decision has been recorded yet.
func (s *Store) GetPermissionAction(ctx context.Context, jobID, requestID string) (models.PermissionAction, error) {
	var a models.PermissionAction
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, request_id, action, actor, created_at
		FROM permission_actions WHERE job_id = ? AND request_id = ?`, jobID, requestID).
		Scan(&a.JobID, &a.RequestID, &a.Action, &a.Actor, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PermissionAction{}, ErrNotFound
	}
	if err != nil {
		return models.PermissionAction{}, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

// UpsertFile records or replaces the metadata for a workspace file at
// relative_path. Re-hashing an existing input (verification after
// upload) goes through the same path, keyed by the unique (job_id, relative_path).
func (s *Store) UpsertFile(ctx context.Context, file models.JobFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_files (job_id, category, relative_path, mime_type, size_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(job_id, relative_path) DO UPDATE SET
			category   = excluded.category,
			mime_type  = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			sha256     = excluded.sha256`,
		file.JobID, string(file.Category), file.RelativePath, nullString(file.MimeType), file.SizeBytes, file.SHA256,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// ListFiles returns a job's recorded files, optionally filtered to a
// single category ("" lists every category).
func (s *Store) ListFiles(ctx context.Context, jobID string, category models.JobFileCategory) ([]models.JobFile, error) {
	query := `SELECT job_id, category, relative_path, mime_type, size_bytes, sha256, created_at FROM job_files WHERE job_id = ?`
	args := []interface{}{jobID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, string(category))
	}
	query += " ORDER BY relative_path ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []models.JobFile
	for rows.Next() {
		var f models.JobFile
		var mime sql.NullString
		var createdAt int64
		if err := rows.Scan(&f.JobID, &f.Category, &f.RelativePath, &mime, &f.SizeBytes, &f.SHA256, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.MimeType = mime.String
		f.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClaimIdempotency atomically claims (tenantID, idempotencyKey, requirementHash)
// for jobID. The triple is the unique key: reusing idempotencyKey with the
// same requirementHash is a replay and returns the job that already owns it
// (first-writer-wins); reusing it with a different requirementHash is a
// brand-new claim that wins outright, since it is a distinct key in the
// table - exactly the "change one byte, get a new job_id" behavior callers
// depend on. The INSERT OR IGNORE either wins the claim (newly added) or
// loses it to an existing row for the identical triple, matching the
// teacher's MarkURLSeen dedup pattern.
func (s *Store) ClaimIdempotency(ctx context.Context, tenantID, idempotencyKey, requirementHash, jobID string) (claimed bool, ownerJobID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_records (tenant_id, idempotency_key, requirement_hash, job_id, created_at)
		VALUES (?, ?, ?, ?, strftime('%s', 'now'))`,
		tenantID, idempotencyKey, requirementHash, jobID,
	)
	if err != nil {
		return false, "", fmt.Errorf("claim idempotency: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return true, jobID, nil
	}

	var existingJobID string
	err = s.db.QueryRowContext(ctx, `
		SELECT job_id FROM idempotency_records
		WHERE tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?`,
		tenantID, idempotencyKey, requirementHash).Scan(&existingJobID)
	if err != nil {
		return false, "", fmt.Errorf("read existing idempotency record: %w", err)
	}
	return false, existingJobID, nil
}

// MarkRunningJobsAsPending requeues every job the daemon left running
// across a restart, mirroring the teacher's graceful-shutdown sweep: no
// worker is mid-flight, so any "running" job's progress was lost with the
// process and must re-enter the queue from "queued".
func (s *Store) MarkRunningJobsAsPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = strftime('%s', 'now')
		WHERE status IN ('running', 'waiting_approval', 'verifying', 'packaging')`)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("requeued in-flight jobs after restart")
	}
	return int(n), nil
}

// GetStaleJobs returns non-terminal jobs that have not been updated in
// staleMinutes, feeding the retention sweep's stale-job alerting.
func (s *Store) GetStaleJobs(ctx context.Context, staleMinutes int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, tenant_id, created_by, requirement, requirement_hash,
		       selected_skill, agent, model_provider_id, model_model_id,
		       output_contract, status, session_id, workspace_dir,
		       result_bundle_path, error_code, error_message, created_at, updated_at
		FROM jobs
		WHERE status NOT IN ('succeeded', 'failed', 'aborted')
		AND updated_at < strftime('%s', 'now') - ?`, staleMinutes*60)
	if err != nil {
		return nil, fmt.Errorf("get stale jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListTerminalOlderThan returns the job IDs DeleteTerminalOlderThan would
// purge, so the retention sweep can remove each job's workspace directory
// before the store row (and its cascade-deleted files/events) disappears.
func (s *Store) ListTerminalOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM jobs
		WHERE status IN ('succeeded', 'failed', 'aborted')
		AND updated_at < strftime('%s', 'now') - ?`, int64(maxAge.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalOlderThan purges terminal jobs (and their files/events via
// ON DELETE CASCADE) past maxAge, the retention sweep's reclaim step.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'aborted')
		AND updated_at < strftime('%s', 'now') - ?`, int64(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// jobScanTarget holds scan destinations shared by scanJob and scanJobRows,
// which differ only in whether the source is a *sql.Row or *sql.Rows.
type jobScanTarget struct {
	providerID, modelID                                         string
	selectedSkill, outputContract, sessionID, resultBundlePath  sql.NullString
	errorCode, errorMessage                                     sql.NullString
	status                                                      string
	createdAt, updatedAt                                        int64
}

func (t *jobScanTarget) dest(j *models.Job) []interface{} {
	return []interface{}{
		&j.JobID, &j.TenantID, &j.CreatedBy, &j.Requirement, &j.RequirementHash,
		&t.selectedSkill, &j.Agent, &t.providerID, &t.modelID,
		&t.outputContract, &t.status, &t.sessionID, &j.WorkspaceDir,
		&t.resultBundlePath, &t.errorCode, &t.errorMessage, &t.createdAt, &t.updatedAt,
	}
}

func (t *jobScanTarget) apply(j *models.Job) error {
	j.Status = models.JobStatus(t.status)
	j.SelectedSkill = t.selectedSkill.String
	j.ResultBundlePath = t.resultBundlePath.String
	j.ErrorCode = t.errorCode.String
	j.ErrorMessage = t.errorMessage.String
	j.CreatedAt = time.Unix(t.createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(t.updatedAt, 0).UTC()

	if t.providerID != "" || t.modelID != "" {
		j.Model = &models.ModelRef{ProviderID: t.providerID, ModelID: t.modelID}
	}
	if t.sessionID.Valid && t.sessionID.String != "" {
		sid := t.sessionID.String
		j.SessionID = &sid
	}
	if t.outputContract.Valid && t.outputContract.String != "" {
		var contract map[string]interface{}
		if err := json.Unmarshal([]byte(t.outputContract.String), &contract); err != nil {
			return fmt.Errorf("unmarshal output_contract: %w", err)
		}
		j.OutputContract = contract
	}
	return nil
}

func scanJob(row *sql.Row) (models.Job, error) {
	var j models.Job
	var t jobScanTarget

	if err := row.Scan(t.dest(&j)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := t.apply(&j); err != nil {
		return models.Job{}, err
	}
	return j, nil
}

func scanJobRows(rows *sql.Rows) (models.Job, error) {
	var j models.Job
	var t jobScanTarget

	if err := rows.Scan(t.dest(&j)...); err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := t.apply(&j); err != nil {
		return models.Job{}, err
	}
	return j, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
