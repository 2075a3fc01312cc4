package skills

import (
	"context"
	"os"
	"path/filepath"
)

// PPTSkill turns a requirement into a slide outline under outputs/slides.md,
// the text-first representation the agent produces before any binary
// deck-building tool is layered on top.
type PPTSkill struct{}

var pptRules = []keywordRule{
	{keywords: []string{"slide", "deck", "presentation", "powerpoint", "pptx"}, weight: 0.5},
	{keywords: []string{"pitch", "keynote"}, weight: 0.2},
}

var pptExtBonus = []string{".pptx", ".ppt", ".key"}

func (PPTSkill) Identity() Identity {
	return Identity{
		Code:          "ppt",
		Name:          "Presentation Builder",
		Aliases:       []string{"slides", "presentation"},
		Version:       "1.0.0",
		SchemaVersion: "1",
		TaskType:      "presentation",
		Description:   "Builds a slide-by-slide outline satisfying a presentation requirement.",
	}
}

func (PPTSkill) Score(requirement string, files []string) float64 {
	return scoreByKeywords(requirement, files, pptRules, pptExtBonus, 0.2)
}

func (PPTSkill) BuildExecutionPlan(ctx context.Context, ec ExecutionContext) (ExecutionPlan, error) {
	return ExecutionPlan{
		SkillCode: "ppt",
		TaskType:  "presentation",
		Steps: []PlanStep{
			{Name: "outline", Description: "Draft a slide-by-slide outline covering the requirement's key points."},
			{Name: "draft", Description: "Write speaker-ready content for each slide."},
			{Name: "export", Description: "Write the final outline to outputs/slides.md, one heading per slide."},
		},
		OutputContract: ec.OutputContract,
	}, nil
}

func (PPTSkill) BuildPrompt(ctx context.Context, ec ExecutionContext, plan ExecutionPlan) (string, error) {
	return buildStandardPrompt(ec, plan,
		"Produce outputs/slides.md: one `## Slide N: <title>` heading per slide, followed by bullet "+
			"points of speaker content. Keep each slide focused on a single idea."), nil
}

func (PPTSkill) ValidateOutputs(ctx context.Context, ec ExecutionContext) error {
	slidesPath := filepath.Join(ec.WorkspaceDir, "outputs", "slides.md")
	info, err := os.Stat(slidesPath)
	if err != nil {
		return Violation{Reason: "outputs/slides.md was not produced"}
	}
	if info.Size() == 0 {
		return Violation{Reason: "outputs/slides.md is empty"}
	}
	return nil
}

func (PPTSkill) ArtifactManifest(ctx context.Context, ec ExecutionContext) []string {
	return []string{"outputs/slides.md"}
}
