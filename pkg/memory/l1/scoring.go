package l1

import (
	"strings"

	"github.com/stratamem/strata/pkg/models"
)

// Keyword groups that raise a turn's impact estimate. Instructional and
// preferential language is what the promotion extractor feeds on.
var highImpactMarkers = []string{
	"always", "never", "must", "remember", "from now on", "important",
	"prefer", "don't", "do not", "my name is", "call me", "deadline",
	"every time", "going forward",
}

// ScoreTurn estimates a turn's significance before promotion. This is a
// cheap lexical heuristic, not the real CIAR computation: it only decides
// whether a turn is worth offering to the LLM extractor at all. User turns
// carry more certainty than assistant turns because they are first-hand.
func ScoreTurn(turn models.Turn) float64 {
	var certainty float64
	switch turn.Role {
	case models.RoleUser:
		certainty = 0.9
	case models.RoleSystem:
		certainty = 0.8
	default:
		certainty = 0.5
	}

	impact := impactEstimate(turn.Content)
	score := certainty * impact
	if score > 1 {
		score = 1
	}
	return score
}

func impactEstimate(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0.05
	}

	// Base impact grows with length up to a plateau; one-word turns rarely
	// carry durable facts.
	impact := 0.35
	switch {
	case len(trimmed) < 12:
		impact = 0.15
	case len(trimmed) > 120:
		impact = 0.5
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range highImpactMarkers {
		if strings.Contains(lower, marker) {
			impact += 0.3
			break
		}
	}
	if impact > 1 {
		impact = 1
	}
	return impact
}
