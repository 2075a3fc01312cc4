// Package policy implements the Permission Policy Engine (C5): a pure,
// first-match-wins decision table over pending agent permission requests.
// It performs no I/O and holds no state - every call is a function of its
// arguments alone.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jobforge/agentjobs/internal/models"
)

// Request is a pending permission prompt from the agent server, trimmed to
// the fields the decision table reads.
type Request struct {
	Tool    string // file, edit, write, apply_patch, bash, ...
	Path    string // target path, for file-family tools
	Command string // shell command, for bash
}

var fileFamilyTools = map[string]bool{
	"file":        true,
	"edit":        true,
	"write":       true,
	"apply_patch": true,
}

// highRiskPatterns flags bash commands the engine refuses outright under R3,
// even before R4's blanket bash rejection would catch them. Keeping the
// match separate from R4 preserves the rule's own audit trail.
var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`curl[^|]*\|\s*sh`),
	regexp.MustCompile(`wget[^|]*\|\s*sh`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bnc\s+-[a-z]*e\b`),
	regexp.MustCompile(`/etc/passwd`),
	regexp.MustCompile(`/etc/shadow`),
}

// Rule names the matched table row, recorded for audit even though the
// caller typically only needs the Decision.
type Rule string

const (
	RuleR1FileContained Rule = "R1"
	RuleR2FileEscapes   Rule = "R2"
	RuleR3BashHighRisk  Rule = "R3"
	RuleR4BashDefault   Rule = "R4"
	RuleR5Unrecognized  Rule = "R5"
)

// Decide rules on one pending request. workspaceDir must already be an
// absolute, canonicalized path - the caller (internal/executor) resolves it
// once per job via workspace.Manager.
func Decide(req Request, workspaceDir string) (models.PermissionDecision, Rule) {
	if fileFamilyTools[req.Tool] {
		if containedInWorkspace(req.Path, workspaceDir) {
			return models.PermissionDecisionOnce, RuleR1FileContained
		}
		return models.PermissionDecisionReject, RuleR2FileEscapes
	}

	if req.Tool == "bash" {
		if isHighRisk(req.Command) {
			return models.PermissionDecisionReject, RuleR3BashHighRisk
		}
		return models.PermissionDecisionReject, RuleR4BashDefault
	}

	return models.PermissionDecisionReject, RuleR5Unrecognized
}

// containedInWorkspace reports whether path, once made absolute and
// cleaned, falls inside workspaceDir. It compares canonicalized paths, not
// textual prefixes, so "../workspace-evil" cannot pass by string luck.
func containedInWorkspace(path, workspaceDir string) bool {
	if path == "" {
		return false
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceDir, abs)
	}
	abs = filepath.Clean(abs)
	root := filepath.Clean(workspaceDir)

	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}

func isHighRisk(command string) bool {
	for _, pattern := range highRiskPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}
