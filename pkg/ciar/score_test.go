package ciar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/models"
)

func TestAgeDecayMonotoneNonIncreasing(t *testing.T) {
	prev := AgeDecay(0)
	assert.Equal(t, 1.0, prev)
	for d := 1.0; d <= 90; d++ {
		cur := AgeDecay(d)
		assert.LessOrEqual(t, cur, prev, "decay increased at day %v", d)
		assert.Greater(t, cur, 0.0)
		prev = cur
	}
}

func TestAgeDecayHalfLife(t *testing.T) {
	assert.InDelta(t, 0.5, AgeDecay(7), 1e-9)
	assert.InDelta(t, 0.25, AgeDecay(14), 1e-9)
}

func TestRecencyBoostMonotoneAndCapped(t *testing.T) {
	prev := RecencyBoost(0)
	assert.Equal(t, 1.0, prev)
	for n := 1; n <= 100000; n *= 10 {
		cur := RecencyBoost(n)
		assert.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, 1.25)
		prev = cur
	}
}

func TestComputeClipsToUnitInterval(t *testing.T) {
	c := Compute(1.5, 2.0, 0, 50)
	assert.Equal(t, 1.0, c.Certainty)
	assert.Equal(t, 1.0, c.Impact)
	assert.LessOrEqual(t, c.Score, 1.0)
	assert.GreaterOrEqual(t, c.Score, 0.0)

	c = Compute(-0.2, 0.5, 3, 0)
	assert.Equal(t, 0.0, c.Score)
}

func TestComputeFreshFact(t *testing.T) {
	c := Compute(0.9, 0.8, 0, 0)
	assert.InDelta(t, 0.72, c.Score, 1e-9)
}

func TestRescoreDecaysOverTime(t *testing.T) {
	f, err := models.NewFact(
		FactID("s1", "prefers blue", models.FactTypePreference),
		"s1", "prefers blue",
		models.FactTypePreference, models.CategoryPersonal,
		0.9, 0.8, 0.72, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)

	now := time.Now()
	assert.InDelta(t, 0.36, Rescore(f, now), 0.01)
}

func TestFactIDDeterministic(t *testing.T) {
	a := FactID("s1", "User prefers blue", models.FactTypePreference)
	b := FactID("s1", "  user prefers blue  ", models.FactTypePreference)
	assert.Equal(t, a, b, "normalization must make IDs replay-stable")

	c := FactID("s2", "User prefers blue", models.FactTypePreference)
	assert.NotEqual(t, a, c)

	d := FactID("s1", "User prefers blue", models.FactTypeObservation)
	assert.NotEqual(t, a, d)

	assert.Len(t, a, len("fact_")+32)
}
