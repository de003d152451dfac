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

import (
	"log/slog"
	"strings"
	"unicode"
)

// =============================================================================
// Dynamic alpha
// =============================================================================

// computeAlpha derives the hybrid search alpha for one round.
//
// The base term grows with query richness: more extracted terms push toward
// vector search, fewer keep keyword matching dominant. The round term starts
// keyword-leaning and shifts toward vectors as the spiral deepens, with a
// small jitter so repeated sessions do not lock onto identical rankings.
// Low evidence coverage and an empty feedback index both damp the result
// back toward keywords. The final value is clipped to the configured bounds.
//
// Callers must hold e.randMu; *rand.Rand is not safe for concurrent use.
func (e *Engine) computeAlpha(termCount, round int, coverage float64, emptyFeedback bool) float64 {
	base := clip(0.3+0.05*float64(termCount), e.config.AlphaMin, e.config.AlphaMax)

	var center, jitter float64
	switch {
	case round <= 1:
		center, jitter = 0.40, 0.05
	case round == 2:
		center, jitter = 0.60, 0.10
	default:
		center, jitter = 0.65, 0.10
	}
	roundW := center + (e.rand.Float64()*2-1)*jitter

	alpha := 0.6*base + 0.4*roundW

	if coverage < e.config.LowCoverageThreshold {
		alpha *= 0.85
	}
	if emptyFeedback {
		alpha *= 0.90
	}

	alpha = clip(alpha, e.config.AlphaMin, e.config.AlphaMax)

	slog.Debug("Computed dynamic alpha",
		"alpha", alpha,
		"term_count", termCount,
		"round", round,
		"coverage", coverage,
		"empty_feedback", emptyFeedback)

	return alpha
}

// extractTerms tokenizes a query into lowercase terms, deduplicated in
// first-seen order. Punctuation separates tokens; single runes are dropped.
func extractTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
