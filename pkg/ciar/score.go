// Package ciar computes the composite significance score for facts:
// certainty × impact × age decay × recency boost, clipped to [0,1].
package ciar

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/stratamem/strata/pkg/models"
)

// decayHalfLifeDays is the age-decay half-life: a fact's score halves every
// seven days if it is never accessed.
const decayHalfLifeDays = 7.0

// boostCap bounds the recency boost so heavily accessed facts cannot
// dominate scoring forever.
const boostCap = 1.25

// Components holds the individual factors of a CIAR score, emitted with
// significance_scored events so scoring stays auditable.
type Components struct {
	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	AgeDecay     float64 `json:"age_decay"`
	RecencyBoost float64 `json:"recency_boost"`
	Score        float64 `json:"score"`
}

// AgeDecay returns the exponential decay factor for a fact of the given age.
// Monotone non-increasing in daysOld; 1.0 at age zero.
func AgeDecay(daysOld float64) float64 {
	if daysOld <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * daysOld / decayHalfLifeDays)
}

// RecencyBoost returns the access-frequency boost. Monotone non-decreasing
// in accessCount and capped at boostCap.
func RecencyBoost(accessCount int) float64 {
	if accessCount <= 0 {
		return 1.0
	}
	return math.Min(boostCap, 1.0+0.05*math.Log(1.0+float64(accessCount)))
}

// Compute returns the full component breakdown for a fact observed daysOld
// days ago with the given access count.
func Compute(certainty, impact, daysOld float64, accessCount int) Components {
	c := Components{
		Certainty:    clip01(certainty),
		Impact:       clip01(impact),
		AgeDecay:     AgeDecay(daysOld),
		RecencyBoost: RecencyBoost(accessCount),
	}
	c.Score = clip01(c.Certainty * c.Impact * c.AgeDecay * c.RecencyBoost)
	return c
}

// Rescore recomputes a stored fact's score as of now. Used when facts are
// read back and ranked for context assembly.
func Rescore(f models.Fact, now time.Time) float64 {
	days := now.Sub(f.ExtractedAt).Hours() / 24
	return Compute(f.Certainty, f.Impact, days, f.AccessCount).Score
}

// FactID derives the deterministic fact identifier used for deduplication.
// Same session, normalized content, and type always yield the same ID, so
// replays and concurrent promoters converge on one row.
func FactID(sessionID, content string, factType models.FactType) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(content))))
	h.Write([]byte{0x1f})
	h.Write([]byte(factType))
	return "fact_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
