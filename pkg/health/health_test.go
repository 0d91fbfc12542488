package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seedvault/seedvault/pkg/types"
)

func agg(seeders, completed, leechers int32) *types.ScrapeAggregate {
	return &types.ScrapeAggregate{Seeders: seeders, Completed: completed, Leechers: leechers}
}

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name      string
		agg       *types.ScrapeAggregate
		dead      bool
		weak      bool
		healthy   bool
		complete  bool
		ratio     float64
		scoreMin  int
		scoreMax  int
	}{
		{"dead swarm", agg(0, 0, 0), true, false, false, false, 0, 0, 0},
		{"lone seeder", agg(1, 0, 0), false, true, false, false, 1, 1, 69},
		{"weak swarm", agg(2, 1, 4), false, true, false, true, 0.5, 1, 69},
		{"mid swarm", agg(5, 0, 2), false, false, false, false, 2.5, 1, 69},
		{"healthy swarm", agg(12, 3, 30), false, false, true, true, 0.4, 70, 100},
		{"leechers only", agg(0, 0, 9), false, false, false, false, 0, 1, 20},
		{"huge swarm caps at 100", agg(5000, 5000, 5000), false, false, true, true, 1, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Evaluate(tt.agg, th)
			assert.Equal(t, tt.dead, m.IsDead)
			assert.Equal(t, tt.weak, m.IsWeak)
			assert.Equal(t, tt.healthy, m.IsHealthy)
			assert.Equal(t, tt.complete, m.IsComplete)
			assert.InDelta(t, tt.ratio, m.SeederRatio, 0.001)
			assert.GreaterOrEqual(t, m.Score, tt.scoreMin)
			assert.LessOrEqual(t, m.Score, tt.scoreMax)
		})
	}
}

func TestScoreIsMonotonic(t *testing.T) {
	prev := -1
	for s := int32(0); s <= 20; s++ {
		got := score(s, 0, 0)
		assert.GreaterOrEqual(t, got, prev, "seeders=%d", s)
		prev = got
	}

	prev = -1
	for c := int32(0); c <= 30; c++ {
		got := score(3, 0, c)
		assert.GreaterOrEqual(t, got, prev, "completed=%d", c)
		prev = got
	}

	prev = -1
	for l := int32(0); l <= 15; l++ {
		got := score(3, l, 0)
		assert.GreaterOrEqual(t, got, prev, "leechers=%d", l)
		prev = got
	}
}

func TestScoreBounds(t *testing.T) {
	assert.Equal(t, 0, score(0, 0, 0))
	assert.Equal(t, 100, score(1<<30, 1<<30, 1<<30))
	assert.GreaterOrEqual(t, score(12, 30, 3), 70, "a well-seeded swarm scores high")
}

func TestSaturate(t *testing.T) {
	assert.Equal(t, 0, saturate(-5, 10, 70))
	assert.Equal(t, 0, saturate(0, 10, 70))
	assert.Equal(t, 35, saturate(5, 10, 70))
	assert.Equal(t, 70, saturate(10, 10, 70))
	assert.Equal(t, 70, saturate(999, 10, 70))
}
