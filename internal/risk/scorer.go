// Package risk maps events and incidents onto a bounded [0,1] risk value.
// A Scorer is immutable after construction and safe for concurrent use.
package risk

import (
	"math"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

type Scorer struct {
	weights                 map[model.EventType]float64
	failureMultiplier       float64
	criticalAssetMultiplier float64
	suspiciousIPMultiplier  float64
	countStep               float64
	countCap                float64
}

func NewScorer(cfg config.RiskConfig) *Scorer {
	weights := make(map[model.EventType]float64, len(cfg.BaseWeights))
	for name, w := range cfg.BaseWeights {
		weights[model.EventType(name)] = w
	}
	return &Scorer{
		weights:                 weights,
		failureMultiplier:       cfg.FailureMultiplier,
		criticalAssetMultiplier: cfg.CriticalAssetMultiplier,
		suspiciousIPMultiplier:  cfg.SuspiciousIPMultiplier,
		countStep:               cfg.CountStep,
		countCap:                cfg.CountCap,
	}
}

// EventRisk starts from the type's base weight and applies multiplicative
// hints. Unlisted types score zero.
func (s *Scorer) EventRisk(ev model.SecurityEvent) float64 {
	score := s.weights[ev.EventType]
	if !ev.Success {
		score *= s.failureMultiplier
	}
	if ev.Metadata.CriticalAsset {
		score *= s.criticalAssetMultiplier
	}
	if ev.Metadata.SuspiciousIP {
		score *= s.suspiciousIPMultiplier
	}
	return clamp(score)
}

// IncidentRisk is the mean event risk scaled by a corroboration multiplier
// that grows with the number of events and saturates at countCap.
func (s *Scorer) IncidentRisk(events []model.SecurityEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range events {
		sum += s.EventRisk(ev)
	}
	mean := sum / float64(len(events))
	return clamp(mean * s.CountMultiplier(len(events)))
}

func (s *Scorer) CountMultiplier(n int) float64 {
	m := 1 + s.countStep*float64(n)
	if s.countCap > 0 && m > s.countCap {
		m = s.countCap
	}
	return m
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
