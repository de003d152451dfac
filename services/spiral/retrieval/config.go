// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import "log/slog"

// =============================================================================
// Configuration
// =============================================================================

// Config controls fusion engine behavior.
type Config struct {
	// AlphaMin and AlphaMax bound the hybrid alpha after all modifiers.
	AlphaMin float64
	AlphaMax float64

	// RRFK is the rank constant in the reciprocal rank fusion formula
	// 1/(k+rank). Default: 60.
	RRFK int

	// MMRLambda trades relevance against diversity in candidate reranking.
	// 1.0 is pure relevance, 0.0 pure diversity. Default: 0.7.
	MMRLambda float64

	// SimilarityThreshold drops near-duplicate candidates during reranking.
	// Candidates whose evidence overlaps a selected candidate at or above
	// this Jaccard value are skipped outright. Default: 0.85.
	SimilarityThreshold float64

	// InitialK is the per-index candidate pool size before fusion.
	// Default: 30.
	InitialK int

	// FinalK is the merged candidate count after reranking. Default: 10.
	FinalK int

	// FeedbackMinResults triggers the feedback-index retry: when the
	// feedback index returns fewer results than this and evidence coverage
	// is still low, the index is queried again at a reduced alpha.
	// Default: 3.
	FeedbackMinResults int

	// LowCoverageThreshold marks a session as under-covered. Below it the
	// alpha is damped toward keyword matching and the feedback retry may
	// fire. Default: 0.4.
	LowCoverageThreshold float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AlphaMin:             0.35,
		AlphaMax:             0.70,
		RRFK:                 60,
		MMRLambda:            0.7,
		SimilarityThreshold:  0.85,
		InitialK:             30,
		FinalK:               10,
		FeedbackMinResults:   3,
		LowCoverageThreshold: 0.4,
	}
}

// validateConfig corrects invalid values in place, logging each correction.
func validateConfig(config *Config) {
	defaults := DefaultConfig()

	if config.AlphaMin <= 0 || config.AlphaMin >= 1 {
		slog.Warn("Invalid AlphaMin config, using default",
			"provided", config.AlphaMin, "default", defaults.AlphaMin)
		config.AlphaMin = defaults.AlphaMin
	}
	if config.AlphaMax <= config.AlphaMin || config.AlphaMax >= 1 {
		slog.Warn("Invalid AlphaMax config, using default",
			"provided", config.AlphaMax, "default", defaults.AlphaMax)
		config.AlphaMax = defaults.AlphaMax
	}
	if config.RRFK < 1 {
		slog.Warn("Invalid RRFK config, using default",
			"provided", config.RRFK, "default", defaults.RRFK)
		config.RRFK = defaults.RRFK
	}
	if config.MMRLambda < 0 || config.MMRLambda > 1 {
		slog.Warn("Invalid MMRLambda config, using default",
			"provided", config.MMRLambda, "default", defaults.MMRLambda)
		config.MMRLambda = defaults.MMRLambda
	}
	if config.SimilarityThreshold <= 0 || config.SimilarityThreshold > 1 {
		slog.Warn("Invalid SimilarityThreshold config, using default",
			"provided", config.SimilarityThreshold, "default", defaults.SimilarityThreshold)
		config.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if config.InitialK < 1 {
		slog.Warn("Invalid InitialK config, using default",
			"provided", config.InitialK, "default", defaults.InitialK)
		config.InitialK = defaults.InitialK
	}
	if config.FinalK < 1 || config.FinalK > config.InitialK {
		slog.Warn("Invalid FinalK config, using default",
			"provided", config.FinalK, "default", defaults.FinalK)
		config.FinalK = defaults.FinalK
	}
	if config.FeedbackMinResults < 0 {
		slog.Warn("Invalid FeedbackMinResults config, using default",
			"provided", config.FeedbackMinResults, "default", defaults.FeedbackMinResults)
		config.FeedbackMinResults = defaults.FeedbackMinResults
	}
	if config.LowCoverageThreshold <= 0 || config.LowCoverageThreshold > 1 {
		slog.Warn("Invalid LowCoverageThreshold config, using default",
			"provided", config.LowCoverageThreshold, "default", defaults.LowCoverageThreshold)
		config.LowCoverageThreshold = defaults.LowCoverageThreshold
	}
}
