// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements multi-index hybrid retrieval with rank fusion.
//
// Each round fans out one hybrid query per configured index, fuses the
// per-index rankings by reciprocal rank, and reranks the merged list for
// diversity. The hybrid alpha is recomputed every round from query richness,
// round depth, and session feedback, so early rounds lean on keyword
// matching and later rounds on vectors.
package retrieval

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
	"github.com/AleutianAI/SpiralCBR/services/spiral/gateway"
)

var tracer = otel.Tracer("aleutian.spiral.retrieval")

// RoundInput carries the per-round state the engine needs to shape a query.
type RoundInput struct {
	// Query is the user's free-text query for this round.
	Query string

	// Vector is an optional precomputed embedding of Query. When nil the
	// index decides how to vectorize.
	Vector []float32

	// Round is the 1-based spiral round number.
	Round int

	// Coverage is the accumulated evidence coverage from the previous
	// round, in [0,1]. Zero on round 1.
	Coverage float64

	// EmptyFeedback reports whether the feedback index came back empty on
	// the previous round.
	EmptyFeedback bool
}

// Engine fans one query out across all configured indexes and fuses the
// results into a single diversified ranking.
//
// # Thread Safety
//
// Safe for concurrent use. The jitter source is guarded by a mutex; all
// other state is read-only after construction.
type Engine struct {
	gateway gateway.IndexGateway
	indexes []gateway.IndexSpec
	config  Config

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewEngine creates an engine over the given gateway and index specs.
func NewEngine(gw gateway.IndexGateway, indexes []gateway.IndexSpec, config Config) *Engine {
	return NewEngineWithSource(gw, indexes, config, rand.NewSource(time.Now().UnixNano()))
}

// NewEngineWithSource is NewEngine with an explicit jitter source, so tests
// can pin the alpha computation.
func NewEngineWithSource(gw gateway.IndexGateway, indexes []gateway.IndexSpec, config Config, src rand.Source) *Engine {
	validateConfig(&config)
	if len(indexes) == 0 {
		indexes = gateway.DefaultIndexes()
	}
	return &Engine{
		gateway: gw,
		indexes: indexes,
		config:  config,
		rand:    rand.New(src),
	}
}

// Retrieve runs one round of fan-out, fusion, and reranking.
//
// # Description
//
// Computes the round's alpha, queries every index concurrently, and merges
// the rankings. An index that fails or times out contributes an empty list
// rather than failing the round; only context cancellation aborts. When the
// feedback index returns too few results while coverage is still low, it is
// retried once at a reduced alpha.
//
// # Outputs
//
// A FusionResult holding the diversified top candidates, the raw per-index
// lists, the alpha used, and whether the feedback index came back empty.
func (e *Engine) Retrieve(ctx context.Context, in RoundInput) (*datatypes.FusionResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	terms := extractTerms(in.Query)

	e.randMu.Lock()
	alpha := e.computeAlpha(len(terms), in.Round, in.Coverage, in.EmptyFeedback)
	e.randMu.Unlock()

	span.SetAttributes(
		attribute.Float64("alpha", alpha),
		attribute.Int("round", in.Round),
		attribute.Int("term_count", len(terms)),
	)

	perIndex := make(map[string][]datatypes.RankedCandidate, len(e.indexes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range e.indexes {
		g.Go(func() error {
			results, err := e.queryIndex(gctx, spec, in, alpha)
			if err != nil {
				return err
			}
			mu.Lock()
			perIndex[spec.Name] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	emptyFeedback := false
	for _, spec := range e.indexes {
		if spec.Feedback && len(perIndex[spec.Name]) == 0 {
			emptyFeedback = true
		}
	}

	fused := e.fuseRRF(perIndex)
	selected := e.rerankMMR(fused)

	slog.Info("Retrieval round complete",
		"round", in.Round,
		"alpha", alpha,
		"fused_candidates", len(fused),
		"selected", len(selected),
		"empty_feedback", emptyFeedback)

	return &datatypes.FusionResult{
		Candidates:    selected,
		PerIndex:      perIndex,
		Alpha:         alpha,
		EmptyFeedback: emptyFeedback,
	}, nil
}

// queryIndex runs one index query, applying the feedback-index retry when
// the result set is too thin to be useful.
func (e *Engine) queryIndex(ctx context.Context, spec gateway.IndexSpec, in RoundInput, alpha float64) ([]datatypes.RankedCandidate, error) {
	req := datatypes.RetrievalRequest{
		Query:  in.Query,
		Vector: in.Vector,
		Alpha:  alpha,
		Limit:  e.config.InitialK,
		Fields: spec.Fields,
	}

	results, err := e.gateway.Query(ctx, spec.Name, req)
	if err != nil {
		return nil, err
	}

	if spec.Feedback &&
		len(results) < e.config.FeedbackMinResults &&
		in.Coverage < e.config.LowCoverageThreshold {
		retryReq := req
		retryReq.Alpha = clip(alpha*0.8, e.config.AlphaMin, e.config.AlphaMax)

		slog.Debug("Retrying feedback index at reduced alpha",
			"index", spec.Name,
			"initial_results", len(results),
			"retry_alpha", retryReq.Alpha)

		retried, err := e.gateway.Query(ctx, spec.Name, retryReq)
		if err != nil {
			return nil, err
		}
		if len(retried) > len(results) {
			results = retried
		}
	}

	return results, nil
}
