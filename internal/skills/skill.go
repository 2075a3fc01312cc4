// Package skills implements the Skill Registry & Router (C6): pluggable
// descriptors that turn a requirement into an execution plan, a prompt, and
// an output validator. Skills are pure value objects - they never touch the
// store or the queue.
package skills

import "context"

// Identity is a skill's registration metadata.
type Identity struct {
	Code          string
	Name          string
	Aliases       []string
	Version       string
	SchemaVersion string
	TaskType      string
	Description   string
}

// PlanStep is one step of an ExecutionPlan, written verbatim into
// job/execution-plan.json and referenced by the built prompt.
type PlanStep struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExecutionPlan is a skill's structured description of how it intends to
// satisfy a requirement, persisted as job/execution-plan.json.
type ExecutionPlan struct {
	SkillCode      string                 `json:"skill_code"`
	TaskType       string                 `json:"task_type"`
	Steps          []PlanStep             `json:"steps"`
	OutputContract map[string]interface{} `json:"output_contract,omitempty"`
}

// ExecutionContext carries everything a skill needs to build a plan, a
// prompt, or validate outputs, without granting access to the store or
// queue.
type ExecutionContext struct {
	JobID          string
	Requirement    string
	InputFiles     []string // workspace-relative paths under inputs/
	WorkspaceDir   string   // absolute path to the job's workspace root
	OutputContract map[string]interface{}
}

// Violation describes why ValidateOutputs rejected a job's outputs.
type Violation struct {
	Reason string
}

func (v Violation) Error() string { return v.Reason }

// Skill is the pluggable strategy contract the Router resolves against.
type Skill interface {
	Identity() Identity

	// Score reports how well this skill fits requirement and files, in
	// [0,1]. Higher is a better fit.
	Score(requirement string, files []string) float64

	BuildExecutionPlan(ctx context.Context, ec ExecutionContext) (ExecutionPlan, error)
	BuildPrompt(ctx context.Context, ec ExecutionContext, plan ExecutionPlan) (string, error)

	// ValidateOutputs inspects ec.WorkspaceDir/outputs and returns a
	// Violation if the skill's output contract was not met. A nil error
	// means the outputs are acceptable.
	ValidateOutputs(ctx context.Context, ec ExecutionContext) error

	// ArtifactManifest names the output entries this skill expects to
	// produce, for documentation and ArtifactManifest() responses.
	ArtifactManifest(ctx context.Context, ec ExecutionContext) []string
}
