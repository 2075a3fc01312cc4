// -----------------------------------------------------------------------
// Job Model - core state-machine entity for the agent job orchestrator
// -----------------------------------------------------------------------

package models

import "time"

// JobStatus is one of the nine states in the job lifecycle state machine.
type JobStatus string

const (
	JobStatusCreated         JobStatus = "created"
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusWaitingApproval JobStatus = "waiting_approval"
	JobStatusVerifying       JobStatus = "verifying"
	JobStatusPackaging       JobStatus = "packaging"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusFailed          JobStatus = "failed"
	JobStatusAborted         JobStatus = "aborted"
)

// IsTerminal reports whether a status is succeeded, failed or aborted. It
// does not decide which transitions remain open from it; IsLegalTransition
// does.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusAborted:
		return true
	default:
		return false
	}
}

// ModelRef identifies the provider/model pair an agent session should use.
// Either both fields are set or both are empty - the pairing is enforced
// at the API boundary (internal/httpapi), not here.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Job is the unit of work: one user requirement, one workspace, one agent
// session, one verified bundle.
type Job struct {
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	CreatedBy string `json:"created_by"`

	Requirement     string                 `json:"requirement"`
	RequirementHash string                 `json:"requirement_hash"`
	SelectedSkill   string                 `json:"selected_skill"`
	Agent           string                 `json:"agent"`
	Model           *ModelRef              `json:"model,omitempty"`
	OutputContract  map[string]interface{} `json:"output_contract,omitempty"`

	Status           JobStatus `json:"status"`
	SessionID        *string   `json:"session_id,omitempty"`
	WorkspaceDir     string    `json:"workspace_dir"`
	ResultBundlePath string    `json:"result_bundle_path,omitempty"`
	ErrorCode        string    `json:"error_code,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobFileCategory classifies a cataloged file belonging to a job.
type JobFileCategory string

const (
	JobFileCategoryInput  JobFileCategory = "input"
	JobFileCategoryOutput JobFileCategory = "output"
	JobFileCategoryBundle JobFileCategory = "bundle"
	JobFileCategoryLog    JobFileCategory = "log"
)

// ListableCategories returns the categories that may be exposed by
// ListArtifacts and the download endpoints (Artifact scoping property).
func ListableCategories() []JobFileCategory {
	return []JobFileCategory{JobFileCategoryOutput, JobFileCategoryBundle}
}

// JobFile is a catalog entry for a file belonging to a job's workspace.
type JobFile struct {
	JobID        string          `json:"job_id"`
	Category     JobFileCategory `json:"category"`
	RelativePath string          `json:"relative_path"`
	MimeType     string          `json:"mime_type"`
	SizeBytes    int64           `json:"size_bytes"`
	SHA256       string          `json:"sha256"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventSource identifies who emitted a JobEvent.
type EventSource string

const (
	EventSourceAPI      EventSource = "api"
	EventSourceWorker   EventSource = "worker"
	EventSourceOpencode EventSource = "opencode"
)

// JobEvent is an append-only audit record. ID is a monotonic identity
// column used as the SSE cursor (§4.1, §5 ordering guarantee).
type JobEvent struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	Status    *JobStatus             `json:"status,omitempty"`
	Source    EventSource            `json:"source"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PermissionDecision is the outcome of a Permission Policy Engine ruling.
type PermissionDecision string

const (
	PermissionDecisionOnce   PermissionDecision = "once"
	PermissionDecisionAlways PermissionDecision = "always"
	PermissionDecisionReject PermissionDecision = "reject"
)

// PermissionAction audits a single automated reply to an agent permission
// request.
type PermissionAction struct {
	JobID     string             `json:"job_id"`
	RequestID string             `json:"request_id"`
	Action    PermissionDecision `json:"action"`
	Actor     string             `json:"actor"`
	CreatedAt time.Time          `json:"created_at"`
}

// IdempotencyRecord maps a tenant/key/hash triple to the job it created.
type IdempotencyRecord struct {
	TenantID        string    `json:"tenant_id"`
	IdempotencyKey  string    `json:"idempotency_key"`
	RequirementHash string    `json:"requirement_hash"`
	JobID           string    `json:"job_id"`
	CreatedAt       time.Time `json:"created_at"`
}
