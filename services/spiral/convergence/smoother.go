// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convergence measures how a spiral session settles on an answer.
//
// The Smoother blends each round's raw label scores with the prior round so
// rankings do not whipsaw on retrieval noise. The Tracker turns the blended
// history into convergence metrics and a confidence estimate. Neither type
// holds session state; callers keep the score map and history in their
// session record and pass them in, so one Smoother and one Tracker serve all
// sessions concurrently.
package convergence

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// ErrInvalidBetas reports blend weights that do not sum to 1. This is an
// invariant violation, not a correctable preference: silently renormalizing
// would mask a configuration bug.
var ErrInvalidBetas = errors.New("smoothing weights must sum to 1")

// =============================================================================
// Configuration
// =============================================================================

// SmootherConfig controls score blending and stability detection.
type SmootherConfig struct {
	// BetaCurrent weights the current round's raw score. Default: 0.6.
	BetaCurrent float64

	// BetaPrevious weights the prior round's smoothed score. Default: 0.4.
	// BetaCurrent+BetaPrevious must equal 1.
	BetaPrevious float64

	// JumpThreshold flags abrupt raw score moves between rounds.
	// Default: 0.25.
	JumpThreshold float64

	// StabilityWindow is how many prior rounds the stability check examines.
	// Default: 2.
	StabilityWindow int

	// StabilityThreshold is the per-round score difference considered
	// stable. Default: 0.10.
	StabilityThreshold float64

	// StabilityRatio is the fraction of the window that must sit within the
	// threshold for the label to count as stable. Default: 0.8.
	StabilityRatio float64
}

// DefaultSmootherConfig returns production defaults.
func DefaultSmootherConfig() SmootherConfig {
	return SmootherConfig{
		BetaCurrent:        0.6,
		BetaPrevious:       0.4,
		JumpThreshold:      0.25,
		StabilityWindow:    2,
		StabilityThreshold: 0.10,
		StabilityRatio:     0.8,
	}
}

// validateSmootherConfig corrects tunables in place and logs each correction.
// The beta invariant is not correctable and is checked separately.
func validateSmootherConfig(config *SmootherConfig) {
	defaults := DefaultSmootherConfig()

	if config.JumpThreshold <= 0 || config.JumpThreshold > 1 {
		slog.Warn("Invalid JumpThreshold config, using default",
			"provided", config.JumpThreshold, "default", defaults.JumpThreshold)
		config.JumpThreshold = defaults.JumpThreshold
	}
	if config.StabilityWindow < 1 {
		slog.Warn("Invalid StabilityWindow config, using default",
			"provided", config.StabilityWindow, "default", defaults.StabilityWindow)
		config.StabilityWindow = defaults.StabilityWindow
	}
	if config.StabilityThreshold <= 0 || config.StabilityThreshold > 1 {
		slog.Warn("Invalid StabilityThreshold config, using default",
			"provided", config.StabilityThreshold, "default", defaults.StabilityThreshold)
		config.StabilityThreshold = defaults.StabilityThreshold
	}
	if config.StabilityRatio <= 0 || config.StabilityRatio > 1 {
		slog.Warn("Invalid StabilityRatio config, using default",
			"provided", config.StabilityRatio, "default", defaults.StabilityRatio)
		config.StabilityRatio = defaults.StabilityRatio
	}
}

// =============================================================================
// Smoother
// =============================================================================

// Smoother blends per-round label scores across rounds.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use across sessions.
type Smoother struct {
	config SmootherConfig
}

// NewSmoother creates a smoother, rejecting blend weights that do not sum
// to 1 with ErrInvalidBetas.
func NewSmoother(config SmootherConfig) (*Smoother, error) {
	if config.BetaCurrent == 0 && config.BetaPrevious == 0 {
		config.BetaCurrent = DefaultSmootherConfig().BetaCurrent
		config.BetaPrevious = DefaultSmootherConfig().BetaPrevious
	}
	if math.Abs(config.BetaCurrent+config.BetaPrevious-1) > 1e-9 {
		return nil, fmt.Errorf("%w: beta_current=%v beta_previous=%v",
			ErrInvalidBetas, config.BetaCurrent, config.BetaPrevious)
	}
	validateSmootherConfig(&config)
	return &Smoother{config: config}, nil
}

// Smooth blends raw scores for one round against the prior round's map.
//
// # Description
//
// Round 1 (or an empty prior map) passes raw scores through unchanged so the
// session seeds from real data. Later rounds blend every label present in
// either map: labels in both blend by the betas, labels only in the current
// round enter at beta_current weight, and labels that vanished decay at
// beta_previous weight. Abrupt raw moves are returned as jump values and
// logged, never treated as errors.
func (s *Smoother) Smooth(round int, raw, prior map[string]float64) datatypes.SmoothedScores {
	if round <= 1 || len(prior) == 0 {
		scores := make(map[string]float64, len(raw))
		for label, v := range raw {
			scores[label] = v
		}
		return datatypes.SmoothedScores{Round: round, Scores: scores}
	}

	scores := make(map[string]float64, len(raw)+len(prior))
	var jumps []datatypes.LabelJump

	for label, cur := range raw {
		prev, had := prior[label]
		scores[label] = s.config.BetaCurrent*cur + s.config.BetaPrevious*prev
		if had {
			delta := math.Abs(cur - prev)
			if delta > s.config.JumpThreshold {
				jumps = append(jumps, datatypes.LabelJump{
					Label:    label,
					Previous: prev,
					Current:  cur,
					Delta:    delta,
				})
				slog.Warn("Abrupt label score jump",
					"label", label, "previous", prev, "current", cur, "round", round)
			}
		}
	}
	for label, prev := range prior {
		if _, ok := raw[label]; !ok {
			scores[label] = s.config.BetaPrevious * prev
		}
	}

	return datatypes.SmoothedScores{Round: round, Scores: scores, Jumps: jumps}
}

// CheckStability reports whether a label's score has settled.
//
// It compares currentScore against the label's value in the last
// StabilityWindow rounds of history (oldest first); the label is stable when
// at least StabilityRatio of those rounds sit within StabilityThreshold.
// The score is max(0, 1-maxObservedDiff). No history means not stable.
func (s *Smoother) CheckStability(label string, currentScore float64, history []map[string]float64) (bool, float64) {
	if len(history) == 0 {
		return false, 0
	}

	window := history
	if len(window) > s.config.StabilityWindow {
		window = window[len(window)-s.config.StabilityWindow:]
	}

	within := 0
	maxDiff := 0.0
	for _, roundScores := range window {
		prev, ok := roundScores[label]
		if !ok {
			// A round without the label is treated as maximally unstable.
			maxDiff = math.Max(maxDiff, 1)
			continue
		}
		diff := math.Abs(currentScore - prev)
		maxDiff = math.Max(maxDiff, diff)
		if diff <= s.config.StabilityThreshold {
			within++
		}
	}

	stable := float64(within)/float64(len(window)) >= s.config.StabilityRatio
	return stable, math.Max(0, 1-maxDiff)
}

// Trend classifies a label score series as "rising", "falling", or "stable",
// returning the per-round rate alongside. Fewer than two points is stable.
func (s *Smoother) Trend(values []float64) (string, float64) {
	if len(values) < 2 {
		return "stable", 0
	}

	rate := leastSquaresSlope(values)
	switch {
	case rate > 0.02:
		return "rising", rate
	case rate < -0.02:
		return "falling", rate
	default:
		return "stable", rate
	}
}

// leastSquaresSlope fits values against their indexes.
func leastSquaresSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
