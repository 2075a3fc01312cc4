package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteExplicitSkillCodeOverridesScore(t *testing.T) {
	registry := NewDefaultRegistry()
	router := NewRouter(registry, DefaultFallbackThreshold)

	result, err := router.Route("ppt", "Summarize sales.csv into a report", []string{"sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, "ppt", result.Selected.Identity().Code)
	assert.True(t, result.ExplicitlyChose)
}

func TestRouteExplicitUnknownSkillCodeFails(t *testing.T) {
	registry := NewDefaultRegistry()
	router := NewRouter(registry, DefaultFallbackThreshold)

	_, err := router.Route("no-such-skill", "whatever", nil)
	assert.ErrorIs(t, err, ErrSkillNotFound)
}

func TestRouteResolvesByAlias(t *testing.T) {
	registry := NewDefaultRegistry()
	router := NewRouter(registry, DefaultFallbackThreshold)

	result, err := router.Route("slides", "build a deck", nil)
	require.NoError(t, err)
	assert.Equal(t, "ppt", result.Selected.Identity().Code)
}

func TestRouteScoresAndPicksBestMatch(t *testing.T) {
	registry := NewDefaultRegistry()
	router := NewRouter(registry, DefaultFallbackThreshold)

	result, err := router.Route("", "Summarize sales.csv into a report", []string{"sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, "data-analysis", result.Selected.Identity().Code)
	assert.False(t, result.FallbackUsed)
	assert.GreaterOrEqual(t, result.WinningScore, DefaultFallbackThreshold)
}

func TestRouteFallsBackBelowThreshold(t *testing.T) {
	registry := NewDefaultRegistry()
	router := NewRouter(registry, DefaultFallbackThreshold)

	result, err := router.Route("", "hello", []string{"note.txt"})
	require.NoError(t, err)
	assert.Equal(t, "general-default", result.Selected.Identity().Code)
	assert.True(t, result.FallbackUsed)
	assert.Less(t, result.WinningScore, DefaultFallbackThreshold)
	assert.NotEmpty(t, result.Candidates)
}

func TestDataAnalysisValidateOutputsRequiresNonEmptyReport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "outputs"), 0755))
	ec := ExecutionContext{WorkspaceDir: dir}

	var skill DataAnalysisSkill
	err := skill.ValidateOutputs(context.Background(), ec)
	var violation Violation
	require.ErrorAs(t, err, &violation)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "outputs", "report.md"), []byte("# Report"), 0644))
	assert.NoError(t, skill.ValidateOutputs(context.Background(), ec))
}

func TestRegistryRejectsDuplicateCode(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover())
	}()
	r := NewRegistry("general-default")
	r.Register(DataAnalysisSkill{})
	r.Register(DataAnalysisSkill{})
}

func TestDescribeIncludesOutputContractSchema(t *testing.T) {
	d := Describe(DataAnalysisSkill{})
	assert.Equal(t, "data-analysis", d.Code)
	require.NotNil(t, d.OutputContractSchema)
}
