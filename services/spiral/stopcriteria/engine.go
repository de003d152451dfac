// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stopcriteria decides when a spiral session should terminate.
//
// Evaluation is two-tier: deterministic hard rules first, then weighted soft
// rules once the session is deep enough. Every decision carries a
// human-readable reason so the presentation layer never has to re-derive why
// the spiral stopped or continued.
package stopcriteria

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// Hard rule identifiers, as recorded in StopDecision.HardRule.
const (
	RuleConvergenceCoverage = "convergence_coverage"
	RuleRetrievalStability  = "retrieval_stability"
	RuleUserSatisfied       = "user_satisfied"
	RuleMaxRounds           = "max_rounds"
)

// Input is everything one stop evaluation needs.
type Input struct {
	// Round is the 1-based round just completed.
	Round int

	// Metrics are this round's convergence metrics.
	Metrics datatypes.ConvergenceMetrics

	// History holds all committed rounds including the current one,
	// oldest first.
	History []datatypes.HistoryEntry

	// UserSatisfied is the caller's explicit satisfaction flag.
	UserSatisfied bool

	// NewEvidenceCount is how many evidence tags were first seen this
	// round.
	NewEvidenceCount int
}

// Engine evaluates the termination rules.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use across sessions.
type Engine struct {
	rules Rules
}

// NewEngine creates an engine over the given rules.
func NewEngine(rules Rules) *Engine {
	validateRules(&rules)
	return &Engine{rules: rules}
}

// Evaluate produces the round's stop decision.
//
// # Description
//
// Before MinRounds the decision is always continue, with suggestions
// derived from the weakest sub-metric. Hard rules are then checked in
// priority order; if none fires and the round has reached SoftStartRound,
// the weighted soft conditions are summed against the soft threshold. On
// stop the decision also classifies whether the outcome is worth saving and
// whether it counts as effective, for the lifecycle layer.
func (e *Engine) Evaluate(in Input) datatypes.StopDecision {
	if in.Round < e.rules.MinRounds {
		return datatypes.StopDecision{
			ShouldStop:      false,
			Reason:          fmt.Sprintf("Minimum of %d rounds not yet reached.", e.rules.MinRounds),
			Recommendations: e.continueRecommendations(in.Metrics),
		}
	}

	if name, reason := e.evaluateHard(in); name != "" {
		return e.stopDecision(in, name, reason, 0)
	}

	if in.Round >= e.rules.SoftStartRound {
		score, satisfied := e.evaluateSoft(in)
		if score >= e.rules.Soft.Threshold {
			reason := fmt.Sprintf("Soft criteria score %.2f reached threshold %.2f (%v).",
				score, e.rules.Soft.Threshold, satisfied)
			return e.stopDecision(in, "", reason, score)
		}
	}

	return datatypes.StopDecision{
		ShouldStop:      false,
		Reason:          "No termination rule satisfied.",
		Recommendations: e.continueRecommendations(in.Metrics),
	}
}

// evaluateHard returns the first satisfied hard rule, or "".
func (e *Engine) evaluateHard(in Input) (name, reason string) {
	m := in.Metrics
	hard := e.rules.Hard

	if m.OverallConvergence >= hard.ConvergenceMin && m.EvidenceCoverage >= hard.CoverageMin {
		return RuleConvergenceCoverage, fmt.Sprintf(
			"Convergence %.2f and evidence coverage %.2f both above thresholds.",
			m.OverallConvergence, m.EvidenceCoverage)
	}

	if m.Confidence >= hard.ConfidenceMin && e.labelsStable(in.History, hard.StableRounds) {
		return RuleRetrievalStability, fmt.Sprintf(
			"Confidence %.2f with the same leading candidate for %d rounds.",
			m.Confidence, hard.StableRounds)
	}

	if in.UserSatisfied {
		return RuleUserSatisfied, "Caller reported explicit satisfaction with the result."
	}

	if in.Round >= e.rules.MaxRounds {
		return RuleMaxRounds, fmt.Sprintf("Maximum of %d rounds reached.", e.rules.MaxRounds)
	}

	return "", ""
}

// evaluateSoft returns the summed weight of satisfied soft conditions and
// the condition names.
func (e *Engine) evaluateSoft(in Input) (float64, []string) {
	soft := e.rules.Soft
	m := in.Metrics

	score := 0.0
	var satisfied []string

	if e.convergencePlateau(in.History) {
		score += soft.PlateauWeight
		satisfied = append(satisfied, "convergence_plateau")
	}
	// NewEvidenceCount is an absolute count of first-seen tags this round.
	if in.NewEvidenceCount <= soft.LowNewEvidenceMax {
		score += soft.LowEvidenceWeight
		satisfied = append(satisfied, "low_new_evidence")
	}
	if m.CaseStability >= soft.HighStabilityMin {
		score += soft.StabilityWeight
		satisfied = append(satisfied, "high_case_stability")
	}
	if m.SemanticConsistency >= soft.HighConsistencyMin {
		score += soft.ConsistencyWeight
		satisfied = append(satisfied, "high_semantic_consistency")
	}

	return score, satisfied
}

// convergencePlateau reports whether the last PlateauWindow+1 rounds'
// convergence values all moved within the configured delta.
func (e *Engine) convergencePlateau(history []datatypes.HistoryEntry) bool {
	need := e.rules.Soft.PlateauWindow + 1
	if len(history) < need {
		return false
	}
	recent := history[len(history)-need:]
	for i := 1; i < len(recent); i++ {
		delta := math.Abs(recent[i].Metrics.OverallConvergence - recent[i-1].Metrics.OverallConvergence)
		if delta > e.rules.Soft.PlateauMaxDelta {
			return false
		}
	}
	return true
}

// labelsStable reports whether the last n rounds chose the same non-empty
// leading label.
func (e *Engine) labelsStable(history []datatypes.HistoryEntry, n int) bool {
	if len(history) < n {
		return false
	}
	recent := history[len(history)-n:]
	label := recent[0].Label
	if label == "" {
		return false
	}
	for _, entry := range recent[1:] {
		if entry.Label != label {
			return false
		}
	}
	return true
}

// stopDecision assembles a stop verdict plus its save/effective
// classification.
func (e *Engine) stopDecision(in Input, hardRule, reason string, softScore float64) datatypes.StopDecision {
	canSave, effective := e.classifyOutcome(in)

	decision := datatypes.StopDecision{
		ShouldStop:         true,
		Reason:             reason,
		HardRule:           hardRule,
		SoftScore:          softScore,
		CanSave:            canSave,
		TreatmentEffective: effective,
	}

	switch {
	case effective:
		decision.Recommendations = []string{
			"Confidence is high; present the leading case as the primary answer.",
		}
	case canSave:
		decision.Recommendations = []string{
			"Outcome is worth keeping but confidence is moderate; present alternatives alongside the leading case.",
		}
	default:
		decision.Recommendations = []string{
			"Session ended without a persistable outcome; treat the leading case as a tentative suggestion only.",
		}
	}

	slog.Info("Stop decision",
		"round", in.Round,
		"hard_rule", hardRule,
		"soft_score", softScore,
		"can_save", canSave,
		"effective", effective,
		"reason", reason)

	return decision
}

// classifyOutcome computes the (canSave, treatmentEffective) pair the
// lifecycle layer consumes.
func (e *Engine) classifyOutcome(in Input) (bool, bool) {
	fb := e.rules.Feedback
	m := in.Metrics

	canSave := m.OverallConvergence >= fb.SaveConvergenceMin &&
		m.EvidenceCoverage >= fb.SaveCoverageMin &&
		m.CaseStability >= fb.SaveStabilityMin &&
		in.Round >= fb.SaveMinRounds

	effective := canSave &&
		m.OverallConvergence >= fb.EffectiveConvergenceMin &&
		m.CaseStability >= fb.EffectiveStabilityMin &&
		m.SemanticConsistency >= fb.EffectiveConsistencyMin

	return canSave, effective
}

// continueRecommendations suggests what would most help the next round,
// driven by the weakest sub-metric.
func (e *Engine) continueRecommendations(m datatypes.ConvergenceMetrics) []string {
	type submetric struct {
		value  float64
		advice string
	}
	weakest := submetric{value: math.Inf(1)}
	for _, s := range []submetric{
		{m.EvidenceCoverage, "Supply more discriminating evidence; coverage of the known vocabulary is still low."},
		{m.CaseStability, "The leading candidate is still shifting between rounds; add detail that separates the top contenders."},
		{m.SemanticConsistency, "Evidence focus is drifting across rounds; restate the core complaint consistently."},
		{(m.ScoreImprovement + 1) / 2, "Scores have stalled; rephrase the query or introduce an unexplored aspect."},
	} {
		if s.value < weakest.value {
			weakest = s
		}
	}
	return []string{weakest.advice}
}
