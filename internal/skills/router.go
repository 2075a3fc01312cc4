package skills

import (
	"errors"
	"sort"
)

// ErrSkillNotFound is returned when an explicit skill_code does not resolve
// by code or alias - the caller (internal/orchestrator) maps this to a
// BadRequest response.
var ErrSkillNotFound = errors.New("skills: no skill registered for that code or alias")

// ScoredCandidate records one skill's score during a routing decision, used
// to populate the skill.router.fallback event payload.
type ScoredCandidate struct {
	Code  string  `json:"code"`
	Score float64 `json:"score"`
}

// RouteResult describes how the router reached its decision.
type RouteResult struct {
	Selected        Skill
	FallbackUsed    bool
	Candidates      []ScoredCandidate // all non-default skills, sorted by score descending
	WinningScore    float64           // the top candidate's score, whether or not it was used
	ExplicitlyChose bool              // true if skill_code was supplied and resolved
}

// Router resolves which skill runs for a job, per the explicit-code /
// score-argmax / fallback-threshold decision order.
type Router struct {
	registry  *Registry
	threshold float64
}

// NewRouter builds a Router. threshold is the minimum top score (out of
// [0,1]) required to accept the scored winner instead of falling back to
// the registry's default skill.
func NewRouter(registry *Registry, threshold float64) *Router {
	return &Router{registry: registry, threshold: threshold}
}

// Route selects a skill for a requirement. If skillCode is non-empty, it
// must resolve by code or alias or Route returns ErrSkillNotFound.
// Otherwise every non-default skill is scored and the argmax is taken,
// falling back to the registry's default when the winning score is below
// the router's threshold.
func (r *Router) Route(skillCode, requirement string, files []string) (RouteResult, error) {
	if skillCode != "" {
		s, ok := r.registry.Resolve(skillCode)
		if !ok {
			return RouteResult{}, ErrSkillNotFound
		}
		return RouteResult{Selected: s, ExplicitlyChose: true}, nil
	}

	candidates := r.registry.nonDefaultSkills()
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, s := range candidates {
		scored = append(scored, ScoredCandidate{
			Code:  s.Identity().Code,
			Score: s.Score(requirement, files),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) == 0 || scored[0].Score < r.threshold {
		winning := 0.0
		if len(scored) > 0 {
			winning = scored[0].Score
		}
		return RouteResult{
			Selected:     r.registry.Default(),
			FallbackUsed: true,
			Candidates:   scored,
			WinningScore: winning,
		}, nil
	}

	winner, _ := r.registry.Resolve(scored[0].Code)
	return RouteResult{
		Selected:     winner,
		Candidates:   scored,
		WinningScore: scored[0].Score,
	}, nil
}
