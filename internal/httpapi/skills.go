package httpapi

import (
	"net/http"
	"strings"

	"github.com/jobforge/agentjobs/internal/skills"
)

func (s *Server) handleSkillsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	taskType := r.URL.Query().Get("task_type")
	writeJSON(w, http.StatusOK, s.skills.List(taskType))
}

func (s *Server) handleSkillItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	code := strings.TrimPrefix(r.URL.Path, apiPrefix+"/skills/")
	if code == "" {
		writeError(w, http.StatusNotFound, "not_found", "skill code is required")
		return
	}
	skill, ok := s.skills.Resolve(code)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such skill")
		return
	}
	writeJSON(w, http.StatusOK, skills.Describe(skill))
}
