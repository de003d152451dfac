// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// MemoryGateway is an in-memory IndexGateway for tests and degraded
// operation.
//
// # Description
//
// Documents are scored by term overlap between the query and the document's
// label plus evidence tags, scaled by the document's base score. The alpha
// parameter is recorded per call so tests can assert the engine's dynamic
// weighting, but it does not change the lexical-only scoring.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryGateway struct {
	mu      sync.Mutex
	docs    map[string][]datatypes.RankedCandidate
	failing map[string]bool
	alphas  map[string][]float64
}

// NewMemoryGateway creates an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		docs:    make(map[string][]datatypes.RankedCandidate),
		failing: make(map[string]bool),
		alphas:  make(map[string][]float64),
	}
}

// Load replaces the documents of one index.
func (g *MemoryGateway) Load(index string, docs []datatypes.RankedCandidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[index] = append([]datatypes.RankedCandidate(nil), docs...)
}

// SetFailing marks an index as unavailable; queries against it return empty
// rankings, matching the production degradation contract.
func (g *MemoryGateway) SetFailing(index string, failing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failing[index] = failing
}

// Alphas returns the alpha values recorded for an index, in call order.
func (g *MemoryGateway) Alphas(index string) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.alphas[index]...)
}

// Query implements IndexGateway.
func (g *MemoryGateway) Query(ctx context.Context, index string, req datatypes.RetrievalRequest) ([]datatypes.RankedCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.alphas[index] = append(g.alphas[index], req.Alpha)
	failing := g.failing[index]
	docs := g.docs[index]
	g.mu.Unlock()

	if failing || len(docs) == 0 {
		return []datatypes.RankedCandidate{}, nil
	}

	terms := strings.Fields(strings.ToLower(req.Query))
	scored := make([]datatypes.RankedCandidate, 0, len(docs))
	for _, doc := range docs {
		overlap := termOverlap(terms, doc)
		if overlap == 0 && req.Query != "" {
			continue
		}
		cand := doc
		if cand.Score == 0 {
			cand.Score = 0.5
		}
		cand.Score *= 1.0 + float64(overlap)
		scored = append(scored, cand)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	limit := req.Limit
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func termOverlap(terms []string, doc datatypes.RankedCandidate) int {
	haystack := strings.ToLower(doc.Label + " " + strings.Join(doc.Evidence, " "))
	n := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			n++
		}
	}
	return n
}
