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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SpiralCBR/pkg/validation"
	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
	"github.com/AleutianAI/SpiralCBR/services/spiral/observability"
)

var tracer = otel.Tracer("aleutian.spiral.gateway")

// WeaviateConfig configures the Weaviate-backed gateway.
type WeaviateConfig struct {
	// Indexes describes the searchable indexes. Defaults to DefaultIndexes().
	Indexes []IndexSpec

	// QueryTimeout bounds each index query. A timed-out query degrades to
	// an empty ranking. Default: 10s.
	QueryTimeout time.Duration

	// DefaultLimit is used when a request carries no limit. Default: 30.
	DefaultLimit int
}

// DefaultWeaviateConfig returns production defaults.
func DefaultWeaviateConfig() WeaviateConfig {
	return WeaviateConfig{
		Indexes:      DefaultIndexes(),
		QueryTimeout: 10 * time.Second,
		DefaultLimit: 30,
	}
}

// validateWeaviateConfig corrects invalid values and logs a warning for each.
func validateWeaviateConfig(config WeaviateConfig) WeaviateConfig {
	defaults := DefaultWeaviateConfig()

	if len(config.Indexes) == 0 {
		slog.Warn("Empty Indexes config, using defaults")
		config.Indexes = defaults.Indexes
	}
	// Index and property names are interpolated into GraphQL queries; a spec
	// with malformed names is excluded rather than passed through.
	kept := make([]IndexSpec, 0, len(config.Indexes))
	for _, spec := range config.Indexes {
		if err := validateIndexSpec(spec); err != nil {
			slog.Warn("Invalid index spec excluded from config",
				"index", spec.Name, "error", err)
			continue
		}
		kept = append(kept, spec)
	}
	config.Indexes = kept
	if config.QueryTimeout <= 0 {
		slog.Warn("Invalid QueryTimeout config, using default",
			"provided", config.QueryTimeout, "default", defaults.QueryTimeout)
		config.QueryTimeout = defaults.QueryTimeout
	}
	if config.DefaultLimit < 1 {
		slog.Warn("Invalid DefaultLimit config, using default",
			"provided", config.DefaultLimit, "default", defaults.DefaultLimit)
		config.DefaultLimit = defaults.DefaultLimit
	}
	return config
}

// validateIndexSpec checks every name in a spec that ends up inside a
// GraphQL query. Search fields may carry a ^boost suffix.
func validateIndexSpec(spec IndexSpec) error {
	if err := validation.ValidateIndexName(spec.Name); err != nil {
		return err
	}
	for _, field := range append(append([]string{}, spec.Fields...), spec.FallbackFields...) {
		if err := validation.ValidateFieldName(stripBoost(field)); err != nil {
			return err
		}
	}
	for _, prop := range []string{spec.IDProperty, spec.LabelProperty, spec.EvidenceProperty, spec.SecondaryProperty} {
		if prop == "" {
			continue
		}
		if err := validation.ValidateFieldName(prop); err != nil {
			return err
		}
	}
	return nil
}

// WeaviateGateway implements IndexGateway over a Weaviate hybrid search
// backend.
//
// # Description
//
// Each Query issues one GraphQL hybrid call: BM25 over the index's weighted
// search fields blended with vector similarity at the request's alpha. When
// the primary fields produce zero hits the query is retried once with the
// index's fallback fields (the corpus stores CJK-analyzed and plain text
// under separate properties).
//
// # Thread Safety
//
// Safe for concurrent use; the underlying Weaviate client pools connections.
type WeaviateGateway struct {
	client *weaviate.Client
	config WeaviateConfig
}

// NewWeaviateGateway creates a gateway over an already-connected client.
func NewWeaviateGateway(client *weaviate.Client, config WeaviateConfig) *WeaviateGateway {
	return &WeaviateGateway{
		client: client,
		config: validateWeaviateConfig(config),
	}
}

// Query implements IndexGateway.
//
// # Failure Semantics
//
//   - unknown index name: empty slice, warn log
//   - backend error or GraphQL error: empty slice, warn log
//   - context cancelled / deadline exceeded: the context error
//
// The distinction matters: a dead backend degrades one source, a cancelled
// round must unwind completely.
func (g *WeaviateGateway) Query(ctx context.Context, index string, req datatypes.RetrievalRequest) ([]datatypes.RankedCandidate, error) {
	ctx, span := tracer.Start(ctx, "gateway.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("index", index),
		attribute.Float64("alpha", req.Alpha),
	)

	spec, ok := SpecFor(g.config.Indexes, index)
	if !ok {
		slog.Warn("Query against unknown index, returning empty ranking", "index", index)
		observability.IndexFailures.WithLabelValues(index).Inc()
		return []datatypes.RankedCandidate{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.QueryTimeout)
	defer cancel()

	fields := req.Fields
	for _, f := range fields {
		if err := validation.ValidateFieldName(stripBoost(f)); err != nil {
			slog.Warn("Request field rejected, using index defaults",
				"index", index, "error", err)
			fields = nil
			break
		}
	}
	if len(fields) == 0 {
		fields = spec.Fields
	}

	candidates, err := g.query(ctx, spec, req, fields)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
				// Per-query timeout: degrade, the round goes on.
				slog.Warn("Index query timed out, returning empty ranking",
					"index", index, "timeout", g.config.QueryTimeout)
				observability.IndexFailures.WithLabelValues(index).Inc()
				return []datatypes.RankedCandidate{}, nil
			}
			return nil, err
		}
		slog.Warn("Index query failed, returning empty ranking",
			"index", index, "error", err)
		observability.IndexFailures.WithLabelValues(index).Inc()
		return []datatypes.RankedCandidate{}, nil
	}

	// Zero hits on the primary fields: try the fallback properties once.
	if len(candidates) == 0 && len(spec.FallbackFields) > 0 && !equalFields(fields, spec.FallbackFields) {
		slog.Debug("No hits on primary fields, retrying with fallback",
			"index", index, "fallback", spec.FallbackFields)
		candidates, err = g.query(ctx, spec, req, spec.FallbackFields)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			slog.Warn("Fallback query failed, returning empty ranking",
				"index", index, "error", err)
			observability.IndexFailures.WithLabelValues(index).Inc()
			return []datatypes.RankedCandidate{}, nil
		}
	}

	slog.Debug("Index query complete", "index", index, "hits", len(candidates))
	return candidates, nil
}

// query executes a single hybrid GraphQL call.
func (g *WeaviateGateway) query(ctx context.Context, spec IndexSpec, req datatypes.RetrievalRequest, fields []string) ([]datatypes.RankedCandidate, error) {
	limit := req.Limit
	if limit < 1 {
		limit = g.config.DefaultLimit
	}

	hybrid := g.client.GraphQL().HybridArgumentBuilder().
		WithQuery(req.Query).
		WithAlpha(float32(req.Alpha)).
		WithProperties(fields)
	if len(req.Vector) > 0 {
		hybrid = hybrid.WithVector(req.Vector)
	}

	gqlFields := buildReturnFields(spec)

	result, err := g.client.GraphQL().Get().
		WithClassName(spec.Name).
		WithFields(gqlFields...).
		WithHybrid(hybrid).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate hybrid query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql error: %s", result.Errors[0].Message)
	}

	return parseCandidates(result, spec), nil
}

// buildReturnFields assembles the GraphQL field list for a spec.
func buildReturnFields(spec IndexSpec) []graphql.Field {
	fields := []graphql.Field{
		{Name: "_additional { id score }"},
	}
	if spec.IDProperty != "" {
		fields = append(fields, graphql.Field{Name: spec.IDProperty})
	}
	if spec.LabelProperty != "" {
		fields = append(fields, graphql.Field{Name: spec.LabelProperty})
	}
	if spec.EvidenceProperty != "" {
		fields = append(fields, graphql.Field{Name: spec.EvidenceProperty})
	}
	if spec.SecondaryProperty != "" {
		fields = append(fields, graphql.Field{Name: spec.SecondaryProperty})
	}
	return fields
}

// parseCandidates converts a GraphQL response into ranked candidates.
//
// Malformed objects are skipped rather than failing the whole ranking.
func parseCandidates(result *models.GraphQLResponse, spec IndexSpec) []datatypes.RankedCandidate {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []datatypes.RankedCandidate{}
	}
	objects, ok := data[spec.Name].([]interface{})
	if !ok {
		return []datatypes.RankedCandidate{}
	}

	candidates := make([]datatypes.RankedCandidate, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		cand := datatypes.RankedCandidate{
			Index:         spec.Name,
			ID:            getString(m, spec.IDProperty),
			Label:         getString(m, spec.LabelProperty),
			Evidence:      getStringSlice(m, spec.EvidenceProperty),
			SecondaryTags: getStringSlice(m, spec.SecondaryProperty),
		}

		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if cand.ID == "" {
				cand.ID = getString(additional, "id")
			}
			cand.Score = getScore(additional)
		}

		candidates = append(candidates, cand)
	}
	return candidates
}

// getScore extracts the hybrid score, which Weaviate returns as a string.
func getScore(additional map[string]interface{}) float64 {
	switch v := additional["score"].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0.0
}

func getString(m map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getStringSlice(m map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// equalFields compares field lists ignoring boost suffixes.
func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if stripBoost(a[i]) != stripBoost(b[i]) {
			return false
		}
	}
	return true
}

func stripBoost(field string) string {
	if idx := strings.IndexByte(field, '^'); idx >= 0 {
		return field[:idx]
	}
	return field
}
