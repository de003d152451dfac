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
	"sort"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// =============================================================================
// Reciprocal rank fusion
// =============================================================================

// fuseRRF merges per-index result lists into one ranking by reciprocal rank
// fusion: each appearance of a candidate contributes 1/(k+rank) to its fused
// score, with rank counted from 1 within each index. Candidates are keyed by
// index-scoped id; candidates without an id fall back to a content hash, so
// the same unlabeled hit surfacing in two indexes merges into one entry.
// Ties in fused score keep first-seen order.
func (e *Engine) fuseRRF(perIndex map[string][]datatypes.RankedCandidate) []datatypes.RankedCandidate {
	type entry struct {
		candidate datatypes.RankedCandidate
		order     int
	}

	fused := make(map[string]*entry)
	order := 0

	// Deterministic index iteration so first-seen order is reproducible.
	names := make([]string, 0, len(perIndex))
	for name := range perIndex {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		results := perIndex[name]
		ranked := make([]datatypes.RankedCandidate, len(results))
		copy(ranked, results)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Score > ranked[j].Score
		})

		for rank, c := range ranked {
			key := c.Key()
			if key == "" {
				key = "hash/" + datatypes.ContentHash(c.Label, c.Evidence, nil)
			}

			contribution := 1.0 / float64(e.config.RRFK+rank+1)
			if existing, ok := fused[key]; ok {
				existing.candidate.FusedScore += contribution
				existing.candidate.Appearances++
				existing.candidate.Sources = append(existing.candidate.Sources, name)
				continue
			}

			c.FusedScore = contribution
			c.Appearances = 1
			c.Sources = []string{name}
			fused[key] = &entry{candidate: c, order: order}
			order++
		}
	}

	entries := make([]*entry, 0, len(fused))
	for _, en := range fused {
		entries = append(entries, en)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].candidate.FusedScore != entries[j].candidate.FusedScore {
			return entries[i].candidate.FusedScore > entries[j].candidate.FusedScore
		}
		return entries[i].order < entries[j].order
	})

	out := make([]datatypes.RankedCandidate, len(entries))
	for i, en := range entries {
		out[i] = en.candidate
	}
	return out
}

// =============================================================================
// Maximal marginal relevance
// =============================================================================

// rerankMMR selects up to FinalK candidates greedily, trading fused relevance
// against redundancy. Relevance is the fused score normalized by the list
// maximum; redundancy is the highest evidence Jaccard against anything
// already selected. Candidates at or above the similarity threshold are
// dropped entirely rather than merely penalized.
func (e *Engine) rerankMMR(candidates []datatypes.RankedCandidate) []datatypes.RankedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	maxScore := candidates[0].FusedScore
	for _, c := range candidates {
		if c.FusedScore > maxScore {
			maxScore = c.FusedScore
		}
	}
	if maxScore <= 0 {
		maxScore = 1
	}

	lambda := e.config.MMRLambda
	selected := make([]datatypes.RankedCandidate, 0, e.config.FinalK)
	remaining := make([]datatypes.RankedCandidate, len(candidates))
	copy(remaining, candidates)

	for len(selected) < e.config.FinalK && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0

		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				sim := datatypes.JaccardSlices(c.Evidence, s.Evidence)
				if sim > maxSim {
					maxSim = sim
				}
			}
			if len(selected) > 0 && maxSim >= e.config.SimilarityThreshold {
				continue
			}

			// Relevance is rescaled to [0,1] so it shares the Jaccard
			// similarity term's scale.
			score := lambda*(c.FusedScore/maxScore) - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}

		if bestIdx == -1 {
			break
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}
