package health

import (
	"github.com/seedvault/seedvault/pkg/types"
)

// Thresholds classify swarm strength
type Thresholds struct {
	// WeakSeeders: a swarm with fewer seeders than this (but at least one)
	// is weak.
	WeakSeeders int32
	// HealthySeeders: a swarm with at least this many seeders is healthy.
	HealthySeeders int32
}

// DefaultThresholds returns the production classification settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WeakSeeders:    3,
		HealthySeeders: 8,
	}
}

// Measurements is the evaluator's output for one scrape aggregate.
type Measurements struct {
	SeederRatio float64 `json:"seederRatio"`
	IsComplete  bool    `json:"isComplete"`
	IsDead      bool    `json:"isDead"`
	IsWeak      bool    `json:"isWeak"`
	IsHealthy   bool    `json:"isHealthy"`
	// Score is a bounded 0-100 summary; monotonic in each of the three
	// counts.
	Score int `json:"score"`
}

// Evaluate derives swarm health from a scrape aggregate. Pure: no I/O, no
// side effects.
func Evaluate(agg *types.ScrapeAggregate, t Thresholds) Measurements {
	m := Measurements{
		SeederRatio: float64(agg.Seeders) / float64(max32(1, agg.Leechers)),
		IsComplete:  agg.Completed > 0,
		IsDead:      agg.Seeders == 0 && agg.Leechers == 0,
		IsWeak:      agg.Seeders > 0 && agg.Seeders < t.WeakSeeders,
		IsHealthy:   agg.Seeders >= t.HealthySeeders,
	}
	m.Score = score(agg.Seeders, agg.Leechers, agg.Completed)
	return m
}

// score combines the three counts into [0, 100]. Each count contributes a
// saturating share: seeders dominate (up to 70), completed downloads prove
// the torrent is obtainable (up to 20), leechers show demand (up to 10).
func score(seeders, leechers, completed int32) int {
	s := saturate(seeders, 10, 70) + saturate(completed, 25, 20) + saturate(leechers, 10, 10)
	if s > 100 {
		s = 100
	}
	return s
}

// saturate maps count linearly onto [0, share], reaching share at full.
func saturate(count, full, share int32) int {
	if count <= 0 {
		return 0
	}
	if count >= full {
		return int(share)
	}
	return int(count * share / full)
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
