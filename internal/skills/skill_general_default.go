package skills

import (
	"context"
	"os"
	"path/filepath"
)

// GeneralDefaultSkill is the registry's fallback: it never competes on
// score (the router excludes the default from scoring) and accepts any
// non-empty outputs/ directory as satisfying its contract.
type GeneralDefaultSkill struct{}

func (GeneralDefaultSkill) Identity() Identity {
	return Identity{
		Code:          "general-default",
		Name:          "General Default",
		Aliases:       []string{"default", "general"},
		Version:       "1.0.0",
		SchemaVersion: "1",
		TaskType:      "general",
		Description:   "Fallback skill for requirements that don't clearly match a specialized skill.",
	}
}

// Score always returns 0: the router never scores the default skill
// against the field, so this only matters if a caller scores it directly.
func (GeneralDefaultSkill) Score(requirement string, files []string) float64 {
	return 0
}

func (GeneralDefaultSkill) BuildExecutionPlan(ctx context.Context, ec ExecutionContext) (ExecutionPlan, error) {
	return ExecutionPlan{
		SkillCode: "general-default",
		TaskType:  "general",
		Steps: []PlanStep{
			{Name: "understand", Description: "Read the requirement and every input file."},
			{Name: "produce", Description: "Produce whatever deliverable the requirement calls for under outputs/."},
		},
		OutputContract: ec.OutputContract,
	}, nil
}

func (GeneralDefaultSkill) BuildPrompt(ctx context.Context, ec ExecutionContext, plan ExecutionPlan) (string, error) {
	return buildStandardPrompt(ec, plan,
		"No specialized skill matched this requirement confidently. Use your best judgment to satisfy "+
			"it directly, writing every deliverable under outputs/."), nil
}

func (GeneralDefaultSkill) ValidateOutputs(ctx context.Context, ec ExecutionContext) error {
	outputsDir := filepath.Join(ec.WorkspaceDir, "outputs")
	entries, err := os.ReadDir(outputsDir)
	if err != nil {
		return Violation{Reason: "outputs/ could not be read"}
	}
	if len(entries) == 0 {
		return Violation{Reason: "outputs/ is empty"}
	}
	return nil
}

func (GeneralDefaultSkill) ArtifactManifest(ctx context.Context, ec ExecutionContext) []string {
	return nil
}
