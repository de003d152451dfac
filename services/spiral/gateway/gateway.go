// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway provides the uniform query interface over the searchable
// knowledge indexes.
//
// # Description
//
// The spiral engine retrieves from several independent indexes (symptom
// cases, theory knowledge, feedback cases) through one contract:
// IndexGateway. The production implementation runs hybrid lexical/vector
// queries against Weaviate; a memory implementation backs tests and degraded
// operation.
//
// # Failure Semantics
//
// A missing index or a transient backend failure yields an empty candidate
// list and a warn log, never an error. The only errors surfaced to callers
// are context cancellation and deadline expiry — those indicate the round
// itself should unwind.
package gateway

import (
	"context"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// IndexGateway is the single contract the core requires from the search
// backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the retrieval engine
// fans one request out to every index in parallel.
type IndexGateway interface {
	// Query runs one hybrid retrieval call against the named index.
	//
	// Returns an empty slice (not an error) when the index does not exist
	// or the backend is unavailable, so fusion degrades gracefully.
	Query(ctx context.Context, index string, req datatypes.RetrievalRequest) ([]datatypes.RankedCandidate, error)
}

// IndexSpec describes one searchable index as the retrieval engine sees it.
type IndexSpec struct {
	// Name is the index (Weaviate class) name.
	Name string

	// Fields are the lexical search properties in priority order, with
	// optional boosts ("symptom_terms^2").
	Fields []string

	// FallbackFields are tried when the primary fields return zero hits.
	// The original corpus indexes CJK text under a dedicated analyzer
	// property; plain-text properties are the fallback.
	FallbackFields []string

	// LabelProperty is the property holding the candidate's primary label.
	LabelProperty string

	// EvidenceProperty is the property holding the evidence tag array.
	EvidenceProperty string

	// SecondaryProperty is the property holding auxiliary tags, if any.
	SecondaryProperty string

	// IDProperty is the property holding the record's external id.
	IDProperty string

	// Feedback marks the feedback-case index, which gets special handling
	// in the retrieval engine (empty-result retry, alpha damping).
	Feedback bool
}

// DefaultIndexes returns the three-index layout of the spiral corpus.
//
// Callers with a different corpus supply their own specs; nothing in the
// engine assumes exactly three indexes.
func DefaultIndexes() []IndexSpec {
	return []IndexSpec{
		{
			Name:              "Case",
			Fields:            []string{"symptom_terms^2", "syndrome_terms", "pulse_terms"},
			FallbackFields:    []string{"search_text"},
			LabelProperty:     "diagnosis_main",
			EvidenceProperty:  "symptom_terms",
			SecondaryProperty: "pulse_terms",
			IDProperty:        "case_id",
		},
		{
			Name:             "Theory",
			Fields:           []string{"name^2", "symptoms"},
			FallbackFields:   []string{"search_text"},
			LabelProperty:    "name",
			EvidenceProperty: "symptoms",
			IDProperty:       "pid",
		},
		{
			Name:              "RPCase",
			Fields:            []string{"bm25_text"},
			FallbackFields:    []string{"search_text"},
			LabelProperty:     "final_diagnosis",
			EvidenceProperty:  "symptom_tags",
			SecondaryProperty: "pulse_tags",
			IDProperty:        "rid",
			Feedback:          true,
		},
	}
}

// SpecFor returns the spec with the given name, or false.
func SpecFor(specs []IndexSpec, name string) (IndexSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return IndexSpec{}, false
}
