// Package httpapi implements the REST+SSE façade: the system's only
// inbound surface, translating HTTP requests into Orchestrator operations
// and job/skill projections into JSON.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/jobforge/agentjobs/internal/orchestrator"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

const apiPrefix = "/api/v1"

// Server wires the Orchestrator and its read-side collaborators into an
// http.Handler.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	store        *store.Store
	workspace    *workspace.Manager
	skills       *skills.Registry
	logger       arbor.ILogger
	validate     *validator.Validate

	// ssePollInterval paces the SSE handler's store.StreamEvents polling
	// loop; defaults to 1s if zero.
	ssePollInterval time.Duration

	// defaultTenantID/defaultActor fill POST /jobs's tenant_id/created_by
	// when the caller omits them, per §6.4's "default tenant and actor
	// identifiers" configuration knob.
	defaultTenantID string
	defaultActor    string
}

// New builds a Server from its already-constructed collaborators.
func New(orch *orchestrator.Orchestrator, st *store.Store, ws *workspace.Manager, registry *skills.Registry, logger arbor.ILogger, defaultTenantID, defaultActor string) *Server {
	return &Server{
		orchestrator:    orch,
		store:           st,
		workspace:       ws,
		skills:          registry,
		logger:          logger,
		validate:        validator.New(),
		ssePollInterval: time.Second,
		defaultTenantID: defaultTenantID,
		defaultActor:    defaultActor,
	}
}

// Handler returns the fully wrapped http.Handler the daemon hands to
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.setupRoutes())
}

// setupRoutes registers every route under /api/v1, dispatching job
// subpaths through handleJobRoutes by manual suffix matching rather than
// a third-party router.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(apiPrefix+"/jobs", s.handleJobsCollection)
	mux.HandleFunc(apiPrefix+"/jobs/", s.handleJobRoutes)

	mux.HandleFunc(apiPrefix+"/skills", s.handleSkillsCollection)
	mux.HandleFunc(apiPrefix+"/skills/", s.handleSkillItem)

	mux.HandleFunc(apiPrefix+"/", s.handleNotFound)

	return mux
}

// handleJobsCollection handles POST /api/v1/jobs.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleJobRoutes dispatches every /api/v1/jobs/{id}[/...] request by
// matching the path suffix after the job ID, mirroring the teacher's
// manual-suffix dispatch instead of a wildcard-pattern router.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, apiPrefix+"/jobs/")
	if suffix == "" {
		writeError(w, http.StatusNotFound, "not_found", "job id is required")
		return
	}

	segments := strings.Split(suffix, "/")
	jobID := segments[0]
	rest := segments[1:]

	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleGetJob(w, r, jobID)

	case len(rest) == 1 && rest[0] == "start":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleStartJob(w, r, jobID)

	case len(rest) == 1 && rest[0] == "abort":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleAbortJob(w, r, jobID)

	case len(rest) == 1 && rest[0] == "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleJobEvents(w, r, jobID)

	case len(rest) == 1 && rest[0] == "artifacts":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleListArtifacts(w, r, jobID)

	case len(rest) == 1 && rest[0] == "download":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleDownloadBundle(w, r, jobID)

	case len(rest) == 3 && rest[0] == "artifacts" && rest[2] == "download":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		s.handleDownloadArtifact(w, r, jobID, rest[1])

	default:
		writeError(w, http.StatusNotFound, "not_found", "no such job route")
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "no such route")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{ErrorCode: code, ErrorMessage: message})
}
