package skills

import (
	"context"
	"os"
	"path/filepath"
)

// DataAnalysisSkill turns a tabular-data requirement into a written report
// under outputs/report.md.
type DataAnalysisSkill struct{}

var dataAnalysisRules = []keywordRule{
	{keywords: []string{"analy", "summarize", "summarise", "report", "insight", "trend"}, weight: 0.35},
	{keywords: []string{"sales", "revenue", "metric", "statistic", "dataset", "data set"}, weight: 0.3},
	{keywords: []string{"chart", "graph", "visuali"}, weight: 0.2},
}

var dataAnalysisExtBonus = []string{".csv", ".tsv", ".xlsx", ".parquet", ".json"}

func (DataAnalysisSkill) Identity() Identity {
	return Identity{
		Code:          "data-analysis",
		Name:          "Data Analysis",
		Aliases:       []string{"data", "analysis"},
		Version:       "1.0.0",
		SchemaVersion: "1",
		TaskType:      "analysis",
		Description:   "Analyzes tabular input files and writes a Markdown report summarizing findings.",
	}
}

func (DataAnalysisSkill) Score(requirement string, files []string) float64 {
	return scoreByKeywords(requirement, files, dataAnalysisRules, dataAnalysisExtBonus, 0.25)
}

func (DataAnalysisSkill) BuildExecutionPlan(ctx context.Context, ec ExecutionContext) (ExecutionPlan, error) {
	return ExecutionPlan{
		SkillCode: "data-analysis",
		TaskType:  "analysis",
		Steps: []PlanStep{
			{Name: "inspect", Description: "Load and inspect every input file's structure and columns."},
			{Name: "analyze", Description: "Compute summary statistics and notable trends relevant to the requirement."},
			{Name: "report", Description: "Write findings to outputs/report.md as a Markdown document with headings and a summary table."},
		},
		OutputContract: ec.OutputContract,
	}, nil
}

func (DataAnalysisSkill) BuildPrompt(ctx context.Context, ec ExecutionContext, plan ExecutionPlan) (string, error) {
	return buildStandardPrompt(ec, plan,
		"Produce outputs/report.md: a Markdown report with a summary section, key findings, and "+
			"any supporting tables. Cite specific numbers from the input data rather than vague claims."), nil
}

func (DataAnalysisSkill) ValidateOutputs(ctx context.Context, ec ExecutionContext) error {
	reportPath := filepath.Join(ec.WorkspaceDir, "outputs", "report.md")
	info, err := os.Stat(reportPath)
	if err != nil {
		return Violation{Reason: "outputs/report.md was not produced"}
	}
	if info.Size() == 0 {
		return Violation{Reason: "outputs/report.md is empty"}
	}
	return nil
}

func (DataAnalysisSkill) ArtifactManifest(ctx context.Context, ec ExecutionContext) []string {
	return []string{"outputs/report.md"}
}
