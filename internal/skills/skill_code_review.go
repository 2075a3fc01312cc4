package skills

import (
	"context"
	"os"
	"path/filepath"
)

// CodeReviewSkill reviews source files for bugs, style, and risk, writing
// findings to outputs/review.md.
type CodeReviewSkill struct{}

var codeReviewRules = []keywordRule{
	{keywords: []string{"review", "audit", "lint", "bug", "vulnerab"}, weight: 0.35},
	{keywords: []string{"code", "pull request", " pr ", "diff", "patch"}, weight: 0.25},
	{keywords: []string{"refactor", "security"}, weight: 0.2},
}

var codeReviewExtBonus = []string{".go", ".py", ".ts", ".js", ".java", ".rb", ".rs"}

func (CodeReviewSkill) Identity() Identity {
	return Identity{
		Code:          "code-review",
		Name:          "Code Review",
		Aliases:       []string{"review"},
		Version:       "1.0.0",
		SchemaVersion: "1",
		TaskType:      "review",
		Description:   "Reviews source files and writes findings with severity and file:line references.",
	}
}

func (CodeReviewSkill) Score(requirement string, files []string) float64 {
	return scoreByKeywords(requirement, files, codeReviewRules, codeReviewExtBonus, 0.1)
}

func (CodeReviewSkill) BuildExecutionPlan(ctx context.Context, ec ExecutionContext) (ExecutionPlan, error) {
	return ExecutionPlan{
		SkillCode: "code-review",
		TaskType:  "review",
		Steps: []PlanStep{
			{Name: "survey", Description: "Read every input source file and note its purpose."},
			{Name: "find", Description: "Identify bugs, risky patterns, and style deviations."},
			{Name: "write", Description: "Write outputs/review.md: one finding per entry with file, line, and severity."},
		},
		OutputContract: ec.OutputContract,
	}, nil
}

func (CodeReviewSkill) BuildPrompt(ctx context.Context, ec ExecutionContext, plan ExecutionPlan) (string, error) {
	return buildStandardPrompt(ec, plan,
		"Produce outputs/review.md: a findings list, each entry naming the file, line, severity "+
			"(high/medium/low), and a one-sentence description of the problem. Do not invent findings "+
			"that aren't supported by the input files."), nil
}

func (CodeReviewSkill) ValidateOutputs(ctx context.Context, ec ExecutionContext) error {
	reviewPath := filepath.Join(ec.WorkspaceDir, "outputs", "review.md")
	if _, err := os.Stat(reviewPath); err != nil {
		return Violation{Reason: "outputs/review.md was not produced"}
	}
	return nil
}

func (CodeReviewSkill) ArtifactManifest(ctx context.Context, ec ExecutionContext) []string {
	return []string{"outputs/review.md"}
}
