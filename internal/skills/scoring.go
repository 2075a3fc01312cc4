package skills

import (
	"path/filepath"
	"strings"
)

// keywordRule is one weighted signal a concrete skill's Score checks for -
// grounded on the teacher's rule-table classifier style (first-match-wins
// pattern tables), adapted here into an additive scorer since Score must
// return a graded [0,1] confidence rather than a single category.
type keywordRule struct {
	keywords []string // matched case-insensitively against the requirement text
	weight   float64
}

// scoreByKeywords sums the weight of every rule whose keyword appears in
// requirement, adds a file-extension bonus, and clamps to [0,1].
func scoreByKeywords(requirement string, files []string, rules []keywordRule, extBonusExts []string, extBonus float64) float64 {
	lower := strings.ToLower(requirement)

	var score float64
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				score += rule.weight
				break
			}
		}
	}

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		for _, want := range extBonusExts {
			if ext == want {
				score += extBonus
				break
			}
		}
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
