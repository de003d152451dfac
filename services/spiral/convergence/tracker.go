// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convergence

import (
	"log/slog"
	"math"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Weights distributes the overall convergence score across the sub-metrics.
// They should sum to 1; validation renormalizes when they do not.
type Weights struct {
	CaseStability       float64
	ScoreImprovement    float64
	SemanticConsistency float64
	EvidenceCoverage    float64
}

// TrackerConfig controls metric computation and the advisory stop helper.
type TrackerConfig struct {
	// Weights for the overall convergence blend. Defaults favor stability
	// and coverage over the noisier improvement signal.
	Weights Weights

	// Vocabulary is the domain evidence vocabulary that coverage is
	// measured against. Empty vocabulary yields zero coverage.
	Vocabulary []string

	// MinRounds and MaxRounds bound the advisory stop helper.
	// Defaults: 2 and 5.
	MinRounds int
	MaxRounds int

	// ConvergenceThreshold is the overall convergence at which the advisory
	// helper votes to stop. Default: 0.75.
	ConvergenceThreshold float64
}

// DefaultTrackerConfig returns production defaults with an empty vocabulary;
// callers supply the domain vocabulary for their corpus.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Weights: Weights{
			CaseStability:       0.30,
			ScoreImprovement:    0.20,
			SemanticConsistency: 0.20,
			EvidenceCoverage:    0.30,
		},
		MinRounds:            2,
		MaxRounds:            5,
		ConvergenceThreshold: 0.75,
	}
}

func validateTrackerConfig(config *TrackerConfig) {
	defaults := DefaultTrackerConfig()

	sum := config.Weights.CaseStability + config.Weights.ScoreImprovement +
		config.Weights.SemanticConsistency + config.Weights.EvidenceCoverage
	if sum <= 0 {
		slog.Warn("Invalid convergence weights, using defaults")
		config.Weights = defaults.Weights
	} else if math.Abs(sum-1) > 1e-9 {
		slog.Warn("Convergence weights renormalized", "sum", sum)
		config.Weights.CaseStability /= sum
		config.Weights.ScoreImprovement /= sum
		config.Weights.SemanticConsistency /= sum
		config.Weights.EvidenceCoverage /= sum
	}

	if config.MinRounds < 1 {
		slog.Warn("Invalid MinRounds config, using default",
			"provided", config.MinRounds, "default", defaults.MinRounds)
		config.MinRounds = defaults.MinRounds
	}
	if config.MaxRounds < config.MinRounds {
		slog.Warn("Invalid MaxRounds config, using default",
			"provided", config.MaxRounds, "default", defaults.MaxRounds)
		config.MaxRounds = defaults.MaxRounds
	}
	if config.ConvergenceThreshold <= 0 || config.ConvergenceThreshold > 1 {
		slog.Warn("Invalid ConvergenceThreshold config, using default",
			"provided", config.ConvergenceThreshold, "default", defaults.ConvergenceThreshold)
		config.ConvergenceThreshold = defaults.ConvergenceThreshold
	}
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker computes per-round convergence metrics from session history.
//
// # Thread Safety
//
// Stateless after construction; the per-session history lives in the
// caller's session record and is passed in on every call.
type Tracker struct {
	config     TrackerConfig
	vocabulary datatypes.EvidenceSet
}

// NewTracker creates a tracker over the given config.
func NewTracker(config TrackerConfig) *Tracker {
	validateTrackerConfig(&config)
	return &Tracker{
		config:     config,
		vocabulary: datatypes.NewEvidenceSet(config.Vocabulary...),
	}
}

// Evaluate computes the convergence metrics for the round described by cur.
//
// # Description
//
// history holds the committed entries of the previous rounds, oldest first;
// cur is this round's entry before its Metrics field is filled. accumulated
// is the evidence collected across all rounds including the current one.
// Out-of-range inputs are clipped rather than rejected: the metrics feed
// stop decisions, and a wild score should never crash a round.
//
// # Outputs
//
// The four sub-metrics, their weighted overall convergence, and a
// confidence that also rewards having iterated enough rounds.
func (t *Tracker) Evaluate(cur datatypes.HistoryEntry, history []datatypes.HistoryEntry, accumulated datatypes.EvidenceSet) datatypes.ConvergenceMetrics {
	round := len(history) + 1

	m := datatypes.ConvergenceMetrics{
		CaseStability:       t.caseStability(cur, history),
		ScoreImprovement:    t.scoreImprovement(cur, history),
		SemanticConsistency: t.semanticConsistency(cur, history),
		EvidenceCoverage:    t.evidenceCoverage(accumulated),
	}

	w := t.config.Weights
	improvement01 := (m.ScoreImprovement + 1) / 2
	m.OverallConvergence = clip01(
		w.CaseStability*m.CaseStability +
			w.ScoreImprovement*improvement01 +
			w.SemanticConsistency*m.SemanticConsistency +
			w.EvidenceCoverage*m.EvidenceCoverage)

	m.Confidence = clip01(
		0.7*m.OverallConvergence +
			0.2*math.Min(1, float64(round)/5) +
			0.1*(m.CaseStability*0.2))

	slog.Debug("Convergence metrics",
		"round", round,
		"case_stability", m.CaseStability,
		"score_improvement", m.ScoreImprovement,
		"semantic_consistency", m.SemanticConsistency,
		"evidence_coverage", m.EvidenceCoverage,
		"overall", m.OverallConvergence,
		"confidence", m.Confidence)

	return m
}

// caseStability is the fraction of the last min(3, len(history)) prior
// rounds that chose the current candidate. The current round is not part of
// the window, so the first round scores zero, as does a round with no
// chosen id.
func (t *Tracker) caseStability(cur datatypes.HistoryEntry, history []datatypes.HistoryEntry) float64 {
	if cur.ChosenID == "" || len(history) == 0 {
		return 0
	}

	size := min(3, len(history))
	window := history[len(history)-size:]

	matches := 0
	for _, e := range window {
		if e.ChosenID == cur.ChosenID {
			matches++
		}
	}
	return float64(matches) / float64(size)
}

func (t *Tracker) scoreImprovement(cur datatypes.HistoryEntry, history []datatypes.HistoryEntry) float64 {
	if len(history) == 0 {
		return 0
	}
	prev := history[len(history)-1].Score
	return clip(
		(cur.Score-prev)/math.Max(0.01, prev), -1, 1)
}

func (t *Tracker) semanticConsistency(cur datatypes.HistoryEntry, history []datatypes.HistoryEntry) float64 {
	if len(history) == 0 {
		return 1.0
	}
	if len(cur.Evidence) == 0 {
		return 0.5
	}

	recent := history
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}

	sum := 0.0
	for _, e := range recent {
		sum += datatypes.JaccardSlices(cur.Evidence, e.Evidence)
	}
	return sum / float64(len(recent))
}

func (t *Tracker) evidenceCoverage(accumulated datatypes.EvidenceSet) float64 {
	if t.vocabulary.Len() == 0 {
		return 0
	}
	return float64(accumulated.IntersectionSize(t.vocabulary)) / float64(t.vocabulary.Len())
}

// ShouldStop is the advisory termination vote.
//
// The authoritative decision belongs to the stop-criteria rules; this helper
// survives as a cheap sanity signal the orchestrator can compare against.
// Never stops before MinRounds, always stops at MaxRounds, and otherwise
// stops on threshold convergence or on a locked-in candidate whose score
// has plateaued.
func (t *Tracker) ShouldStop(m datatypes.ConvergenceMetrics, round int) bool {
	if round < t.config.MinRounds {
		return false
	}
	if round >= t.config.MaxRounds {
		return true
	}
	if m.OverallConvergence >= t.config.ConvergenceThreshold {
		return true
	}
	return m.CaseStability >= 0.9 && m.ScoreImprovement <= 0.01
}

// Report summarizes a session's convergence trajectory.
func (t *Tracker) Report(sessionID string, history []datatypes.HistoryEntry, accumulated datatypes.EvidenceSet) datatypes.ConvergenceReport {
	report := datatypes.ConvergenceReport{
		SessionID:         sessionID,
		TotalRounds:       len(history),
		EvidenceCollected: accumulated.Slice(),
	}
	if len(history) == 0 {
		return report
	}

	trend := make([]float64, len(history))
	sum := 0.0
	for i, e := range history {
		trend[i] = e.Metrics.OverallConvergence
		sum += e.Metrics.OverallConvergence
	}

	last := history[len(history)-1]
	report.Trend = trend
	report.FinalConvergence = last.Metrics.OverallConvergence
	report.AverageConvergence = sum / float64(len(history))
	report.FinalChosenID = last.ChosenID
	report.FinalScore = last.Score
	report.ImprovementRate = leastSquaresSlope(trend)
	return report
}

func clip01(v float64) float64 { return clip(v, 0, 1) }

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
