package skills

// DefaultFallbackThreshold is the router's out-of-the-box minimum winning
// score before it falls back to the default skill (spec §4.6).
const DefaultFallbackThreshold = 0.45

// NewDefaultRegistry builds the registry of compiled-in skills every
// deployment ships with.
func NewDefaultRegistry() *Registry {
	r := NewRegistry("general-default")
	r.Register(DataAnalysisSkill{})
	r.Register(PPTSkill{})
	r.Register(CodeReviewSkill{})
	r.Register(GeneralDefaultSkill{})
	return r
}
