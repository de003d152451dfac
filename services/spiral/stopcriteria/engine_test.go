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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

func strongMetrics() datatypes.ConvergenceMetrics {
	return datatypes.ConvergenceMetrics{
		CaseStability:       1.0,
		ScoreImprovement:    0.01,
		SemanticConsistency: 0.9,
		EvidenceCoverage:    0.8,
		OverallConvergence:  0.85,
		Confidence:          0.9,
	}
}

func TestEvaluateNeverStopsBeforeMinRounds(t *testing.T) {
	e := NewEngine(DefaultRules())

	decision := e.Evaluate(Input{
		Round:         1,
		Metrics:       strongMetrics(),
		UserSatisfied: true,
	})

	assert.False(t, decision.ShouldStop)
	assert.NotEmpty(t, decision.Recommendations)
}

func TestEvaluateConvergenceCoverageRule(t *testing.T) {
	e := NewEngine(DefaultRules())

	decision := e.Evaluate(Input{Round: 3, Metrics: strongMetrics()})

	assert.True(t, decision.ShouldStop)
	assert.Equal(t, RuleConvergenceCoverage, decision.HardRule)
	assert.True(t, decision.CanSave)
	assert.True(t, decision.TreatmentEffective)
	assert.NotEmpty(t, decision.Reason)
}

func TestEvaluateRetrievalStabilityRule(t *testing.T) {
	e := NewEngine(DefaultRules())

	m := strongMetrics()
	m.OverallConvergence = 0.5 // keeps the primary rule from firing
	m.EvidenceCoverage = 0.3

	history := []datatypes.HistoryEntry{
		{ChosenID: "case-1", Label: "liver-qi"},
		{ChosenID: "case-1", Label: "liver-qi"},
	}

	decision := e.Evaluate(Input{Round: 2, Metrics: m, History: history})

	assert.True(t, decision.ShouldStop)
	assert.Equal(t, RuleRetrievalStability, decision.HardRule)
}

func TestEvaluateUserSatisfiedRule(t *testing.T) {
	e := NewEngine(DefaultRules())

	decision := e.Evaluate(Input{
		Round:         2,
		Metrics:       datatypes.ConvergenceMetrics{},
		UserSatisfied: true,
	})

	assert.True(t, decision.ShouldStop)
	assert.Equal(t, RuleUserSatisfied, decision.HardRule)
	assert.False(t, decision.CanSave, "weak metrics should not be persistable")
}

func TestEvaluateMaxRoundsRule(t *testing.T) {
	e := NewEngine(DefaultRules())

	decision := e.Evaluate(Input{Round: 5, Metrics: datatypes.ConvergenceMetrics{}})

	assert.True(t, decision.ShouldStop)
	assert.Equal(t, RuleMaxRounds, decision.HardRule)
}

func TestEvaluateSoftRules(t *testing.T) {
	e := NewEngine(DefaultRules())

	// High stability + consistency + plateaued convergence, but below every
	// hard threshold.
	m := datatypes.ConvergenceMetrics{
		CaseStability:       0.95,
		SemanticConsistency: 0.90,
		OverallConvergence:  0.50,
		EvidenceCoverage:    0.30,
		Confidence:          0.60,
	}
	history := []datatypes.HistoryEntry{
		{Metrics: datatypes.ConvergenceMetrics{OverallConvergence: 0.49}},
		{Metrics: datatypes.ConvergenceMetrics{OverallConvergence: 0.50}},
		{Metrics: datatypes.ConvergenceMetrics{OverallConvergence: 0.50}},
	}

	decision := e.Evaluate(Input{
		Round:            3,
		Metrics:          m,
		History:          history,
		NewEvidenceCount: 0,
	})

	assert.True(t, decision.ShouldStop)
	assert.Empty(t, decision.HardRule)
	assert.GreaterOrEqual(t, decision.SoftScore, e.rules.Soft.Threshold)
}

func TestEvaluateSoftRulesNotBeforeStartRound(t *testing.T) {
	e := NewEngine(DefaultRules())

	m := datatypes.ConvergenceMetrics{
		CaseStability:       0.95,
		SemanticConsistency: 0.90,
		OverallConvergence:  0.50,
		EvidenceCoverage:    0.30,
	}

	decision := e.Evaluate(Input{Round: 2, Metrics: m, NewEvidenceCount: 0})
	assert.False(t, decision.ShouldStop)
}

func TestContinueRecommendationNamesWeakestMetric(t *testing.T) {
	e := NewEngine(DefaultRules())

	m := datatypes.ConvergenceMetrics{
		CaseStability:       0.9,
		ScoreImprovement:    0.5,
		SemanticConsistency: 0.8,
		EvidenceCoverage:    0.05,
		OverallConvergence:  0.4,
	}

	decision := e.Evaluate(Input{Round: 2, Metrics: m, NewEvidenceCount: 3})

	require.False(t, decision.ShouldStop)
	require.Len(t, decision.Recommendations, 1)
	assert.Contains(t, decision.Recommendations[0], "coverage")
}

func TestLoadRulesOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := []byte("max_rounds: 8\nhard:\n  convergence_min: 0.9\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	assert.Equal(t, 8, rules.MaxRounds)
	assert.Equal(t, 0.9, rules.Hard.ConvergenceMin)
	// Omitted fields keep defaults.
	assert.Equal(t, DefaultRules().MinRounds, rules.MinRounds)
	assert.Equal(t, DefaultRules().Soft.Threshold, rules.Soft.Threshold)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
