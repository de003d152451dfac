// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stopcriteria

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Rules
// =============================================================================

// HardRules are deterministic termination conditions, checked in priority
// order before any soft scoring.
type HardRules struct {
	// ConvergenceMin and CoverageMin together form the primary stop rule:
	// the session has converged and covered enough of the vocabulary.
	ConvergenceMin float64 `yaml:"convergence_min"`
	CoverageMin    float64 `yaml:"coverage_min"`

	// ConfidenceMin and StableRounds form the retrieval stability rule:
	// high confidence plus the same top label for StableRounds rounds.
	ConfidenceMin float64 `yaml:"confidence_min"`
	StableRounds  int     `yaml:"stable_rounds"`
}

// SoftRules are weighted advisory conditions summed against a threshold.
type SoftRules struct {
	// PlateauWindow and PlateauMaxDelta detect a convergence plateau: the
	// last PlateauWindow+1 rounds' convergence deltas all within the max.
	PlateauWindow   int     `yaml:"plateau_window"`
	PlateauMaxDelta float64 `yaml:"plateau_max_delta"`

	// LowNewEvidenceMax is the per-round new-evidence count at or below
	// which the query is considered mined out. An absolute count of tags
	// first seen this round, not a fraction of the round's evidence.
	LowNewEvidenceMax int `yaml:"low_new_evidence_max"`

	// HighStabilityMin and HighConsistencyMin gate the remaining two
	// conditions.
	HighStabilityMin   float64 `yaml:"high_stability_min"`
	HighConsistencyMin float64 `yaml:"high_consistency_min"`

	// Weights per satisfied condition; Threshold is the stop bar.
	PlateauWeight     float64 `yaml:"plateau_weight"`
	LowEvidenceWeight float64 `yaml:"low_evidence_weight"`
	StabilityWeight   float64 `yaml:"stability_weight"`
	ConsistencyWeight float64 `yaml:"consistency_weight"`
	Threshold         float64 `yaml:"threshold"`
}

// FeedbackRules classify a stopped session for the lifecycle layer.
type FeedbackRules struct {
	// SaveConvergenceMin, SaveCoverageMin, SaveStabilityMin, and
	// SaveMinRounds gate whether the outcome is worth persisting at all.
	SaveConvergenceMin float64 `yaml:"save_convergence_min"`
	SaveCoverageMin    float64 `yaml:"save_coverage_min"`
	SaveStabilityMin   float64 `yaml:"save_stability_min"`
	SaveMinRounds      int     `yaml:"save_min_rounds"`

	// The effective thresholds are stricter and additionally require
	// semantic consistency.
	EffectiveConvergenceMin float64 `yaml:"effective_convergence_min"`
	EffectiveStabilityMin   float64 `yaml:"effective_stability_min"`
	EffectiveConsistencyMin float64 `yaml:"effective_consistency_min"`
}

// Rules is the full stop-criteria rule set. Zero value is unusable; start
// from DefaultRules or LoadRules.
type Rules struct {
	MinRounds      int `yaml:"min_rounds"`
	MaxRounds      int `yaml:"max_rounds"`
	SoftStartRound int `yaml:"soft_start_round"`

	Hard     HardRules     `yaml:"hard"`
	Soft     SoftRules     `yaml:"soft"`
	Feedback FeedbackRules `yaml:"feedback"`
}

// DefaultRules returns production defaults.
func DefaultRules() Rules {
	return Rules{
		MinRounds:      2,
		MaxRounds:      5,
		SoftStartRound: 3,
		Hard: HardRules{
			ConvergenceMin: 0.70,
			CoverageMin:    0.50,
			ConfidenceMin:  0.80,
			StableRounds:   2,
		},
		Soft: SoftRules{
			PlateauWindow:      2,
			PlateauMaxDelta:    0.02,
			LowNewEvidenceMax:  1,
			HighStabilityMin:   0.90,
			HighConsistencyMin: 0.85,
			PlateauWeight:      0.30,
			LowEvidenceWeight:  0.20,
			StabilityWeight:    0.30,
			ConsistencyWeight:  0.20,
			Threshold:          0.60,
		},
		Feedback: FeedbackRules{
			SaveConvergenceMin:      0.60,
			SaveCoverageMin:         0.50,
			SaveStabilityMin:        0.60,
			SaveMinRounds:           2,
			EffectiveConvergenceMin: 0.75,
			EffectiveStabilityMin:   0.80,
			EffectiveConsistencyMin: 0.70,
		},
	}
}

// LoadRules reads a YAML rule file, filling omitted fields from defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("reading stop rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parsing stop rules %s: %w", path, err)
	}

	validateRules(&rules)
	return rules, nil
}

// validateRules corrects invalid values in place, logging each correction.
func validateRules(rules *Rules) {
	defaults := DefaultRules()

	if rules.MinRounds < 1 {
		slog.Warn("Invalid MinRounds rule, using default",
			"provided", rules.MinRounds, "default", defaults.MinRounds)
		rules.MinRounds = defaults.MinRounds
	}
	if rules.MaxRounds < rules.MinRounds {
		slog.Warn("Invalid MaxRounds rule, using default",
			"provided", rules.MaxRounds, "default", defaults.MaxRounds)
		rules.MaxRounds = defaults.MaxRounds
	}
	if rules.SoftStartRound < rules.MinRounds {
		slog.Warn("Invalid SoftStartRound rule, using default",
			"provided", rules.SoftStartRound, "default", defaults.SoftStartRound)
		rules.SoftStartRound = defaults.SoftStartRound
	}

	clampUnit := func(name string, v *float64, fallback float64) {
		if *v <= 0 || *v > 1 {
			slog.Warn("Invalid rule threshold, using default",
				"rule", name, "provided", *v, "default", fallback)
			*v = fallback
		}
	}
	clampUnit("convergence_min", &rules.Hard.ConvergenceMin, defaults.Hard.ConvergenceMin)
	clampUnit("coverage_min", &rules.Hard.CoverageMin, defaults.Hard.CoverageMin)
	clampUnit("confidence_min", &rules.Hard.ConfidenceMin, defaults.Hard.ConfidenceMin)
	if rules.Hard.StableRounds < 1 {
		slog.Warn("Invalid stable_rounds rule, using default",
			"provided", rules.Hard.StableRounds, "default", defaults.Hard.StableRounds)
		rules.Hard.StableRounds = defaults.Hard.StableRounds
	}

	if rules.Soft.PlateauWindow < 1 {
		rules.Soft.PlateauWindow = defaults.Soft.PlateauWindow
	}
	if rules.Soft.PlateauMaxDelta <= 0 {
		rules.Soft.PlateauMaxDelta = defaults.Soft.PlateauMaxDelta
	}
	if rules.Soft.LowNewEvidenceMax < 0 {
		rules.Soft.LowNewEvidenceMax = defaults.Soft.LowNewEvidenceMax
	}
	clampUnit("high_stability_min", &rules.Soft.HighStabilityMin, defaults.Soft.HighStabilityMin)
	clampUnit("high_consistency_min", &rules.Soft.HighConsistencyMin, defaults.Soft.HighConsistencyMin)
	clampUnit("soft_threshold", &rules.Soft.Threshold, defaults.Soft.Threshold)

	clampUnit("save_convergence_min", &rules.Feedback.SaveConvergenceMin, defaults.Feedback.SaveConvergenceMin)
	clampUnit("save_coverage_min", &rules.Feedback.SaveCoverageMin, defaults.Feedback.SaveCoverageMin)
	clampUnit("save_stability_min", &rules.Feedback.SaveStabilityMin, defaults.Feedback.SaveStabilityMin)
	if rules.Feedback.SaveMinRounds < 1 {
		rules.Feedback.SaveMinRounds = defaults.Feedback.SaveMinRounds
	}
	clampUnit("effective_convergence_min", &rules.Feedback.EffectiveConvergenceMin, defaults.Feedback.EffectiveConvergenceMin)
	clampUnit("effective_stability_min", &rules.Feedback.EffectiveStabilityMin, defaults.Feedback.EffectiveStabilityMin)
	clampUnit("effective_consistency_min", &rules.Feedback.EffectiveConsistencyMin, defaults.Feedback.EffectiveConsistencyMin)
}
