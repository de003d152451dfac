// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the typed records exchanged between the spiral
// retrieval components.
//
// # Description
//
// Every value crossing a component boundary in the spiral engine is one of
// the tagged structs in this package: retrieval requests and ranked
// candidates, fusion results, smoothed label scores, convergence metrics,
// stop decisions, and feedback-case records. There are no free-form maps at
// component boundaries; optional fields are pointers or carry documented
// zero-value semantics.
//
// # Thread Safety
//
// All types in this package are plain data. They are safe to share after
// construction as long as callers treat them as immutable, which every
// component in services/spiral does.
package datatypes

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Retrieval
// =============================================================================

// RetrievalRequest describes one hybrid query against a set of indexes.
//
// A request is immutable once built. The same request (with the same Alpha)
// is fanned out to every target index in a round.
type RetrievalRequest struct {
	// Query is the free-text query. Required.
	Query string `json:"query"`

	// Vector is the optional dense query vector. When nil the gateway runs
	// a lexical-only (BM25) query.
	Vector []float32 `json:"vector,omitempty"`

	// Alpha is the hybrid mixing weight in [0,1]: 0 is pure lexical,
	// 1 is pure vector. The retrieval engine computes this per round.
	Alpha float64 `json:"alpha"`

	// Limit bounds the number of results returned per index.
	Limit int `json:"limit"`

	// Fields lists the searchable properties for lexical scoring, in
	// priority order. Entries may carry Weaviate-style boosts ("name^2").
	// Empty means the gateway picks its per-index default.
	Fields []string `json:"fields,omitempty"`
}

// RankedCandidate is one retrieved record reference with its evidence.
//
// Candidates are produced by the gateway and augmented by fusion; the
// underlying record is never materialized inside the core.
type RankedCandidate struct {
	// Index is the name of the source index ("Case", "Theory", "RPCase").
	Index string `json:"index"`

	// ID is the record's external id within its index. May be empty for
	// indexes without an id property; fusion then keys by content hash.
	ID string `json:"id"`

	// Label is the candidate's primary diagnosis/answer label.
	Label string `json:"label"`

	// Score is the source relevance score in [0,1] where available.
	Score float64 `json:"score"`

	// Evidence is the set of discrete evidence tags attached to the record,
	// used for diversity and consistency comparisons.
	Evidence []string `json:"evidence,omitempty"`

	// SecondaryTags are auxiliary tags (e.g. pulse descriptors) that take
	// part in content hashing but not in diversity scoring.
	SecondaryTags []string `json:"secondary_tags,omitempty"`

	// FusedScore is the reciprocal-rank-fusion score. Zero until fusion runs.
	FusedScore float64 `json:"fused_score,omitempty"`

	// Appearances counts in how many input rankings the candidate appeared.
	Appearances int `json:"appearances,omitempty"`

	// Sources lists the indexes that contributed this candidate.
	Sources []string `json:"sources,omitempty"`
}

// Key returns the stable fusion identity of the candidate.
//
// Identity is index-scoped: the same external id in two different indexes is
// two distinct candidates. Candidates without an id fall back to a content
// hash computed by the retrieval package.
func (c RankedCandidate) Key() string {
	if c.ID != "" {
		return c.Index + "/" + c.ID
	}
	return ""
}

// FusionResult is the ordered output of rank fusion and diversification.
//
// Invariant: Candidates is sorted by FusedScore, strictly non-increasing by
// position. An empty FusionResult is a valid "nothing retrieved" value, not
// an error.
type FusionResult struct {
	// Candidates is the fused, diversified ranking.
	Candidates []RankedCandidate `json:"candidates"`

	// PerIndex holds the diversified ranking per source index.
	PerIndex map[string][]RankedCandidate `json:"per_index,omitempty"`

	// Alpha is the hybrid weight that was used for this round's queries.
	Alpha float64 `json:"alpha"`

	// EmptyFeedback reports whether the feedback-case index contributed
	// zero results, which feeds into the next round's alpha.
	EmptyFeedback bool `json:"empty_feedback"`
}

// Primary returns the top candidate and true, or a zero value and false when
// the result is empty.
func (r FusionResult) Primary() (RankedCandidate, bool) {
	if len(r.Candidates) == 0 {
		return RankedCandidate{}, false
	}
	return r.Candidates[0], true
}

// Secondary returns the second-ranked candidate, if any.
func (r FusionResult) Secondary() (RankedCandidate, bool) {
	if len(r.Candidates) < 2 {
		return RankedCandidate{}, false
	}
	return r.Candidates[1], true
}

// =============================================================================
// Smoothing
// =============================================================================

// SmoothedScores maps label -> temporally smoothed score for one round.
//
// Invariant: on a session's first round smoothed scores equal the raw scores
// exactly; afterwards each score is the beta blend of the raw score and the
// prior round's smoothed score.
type SmoothedScores struct {
	// Round is the round number the scores belong to (1-based).
	Round int `json:"round"`

	// Scores is the smoothed label score map.
	Scores map[string]float64 `json:"scores"`

	// Jumps lists labels whose raw score moved more than the configured jump
	// threshold since the prior round. Advisory; never an error.
	Jumps []LabelJump `json:"jumps,omitempty"`
}

// LabelJump describes one abrupt label score change between rounds.
type LabelJump struct {
	Label    string  `json:"label"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

// Top returns the highest-scoring label, or "" for an empty map. Ties break
// lexicographically so the result is deterministic.
func (s SmoothedScores) Top() (string, float64) {
	best := ""
	bestScore := 0.0
	for label, score := range s.Scores {
		if best == "" || score > bestScore || (score == bestScore && label < best) {
			best = label
			bestScore = score
		}
	}
	return best, bestScore
}

// TopChanges formats the n labels that moved most against a prior score map,
// largest absolute delta first, for log lines like
// "liver-qi-stagnation 0.40->0.52, heart-blood-deficiency 0.55->0.50".
// Ties break lexicographically so the output is deterministic.
func (s SmoothedScores) TopChanges(prior map[string]float64, n int) string {
	type change struct {
		label string
		from  float64
		to    float64
	}

	changes := make([]change, 0, len(s.Scores))
	for label, score := range s.Scores {
		changes = append(changes, change{label: label, from: prior[label], to: score})
	}
	sort.Slice(changes, func(i, j int) bool {
		di := math.Abs(changes[i].to - changes[i].from)
		dj := math.Abs(changes[j].to - changes[j].from)
		if di != dj {
			return di > dj
		}
		return changes[i].label < changes[j].label
	})

	if n > 0 && len(changes) > n {
		changes = changes[:n]
	}
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = fmt.Sprintf("%s %.2f->%.2f", c.label, c.from, c.to)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Convergence
// =============================================================================

// ConvergenceMetrics is the per-round convergence snapshot.
//
// One instance exists per (session, round). It is immutable once computed
// and appended to the session history.
type ConvergenceMetrics struct {
	// CaseStability is the fraction of the recent window whose chosen
	// candidate equals the current one. Range [0,1].
	CaseStability float64 `json:"case_stability"`

	// ScoreImprovement is the relative score change versus the prior round.
	// Range [-1,1]; 0 on the first round.
	ScoreImprovement float64 `json:"score_improvement"`

	// SemanticConsistency is the mean evidence-set Jaccard overlap with the
	// last rounds. Range [0,1].
	SemanticConsistency float64 `json:"semantic_consistency"`

	// EvidenceCoverage is the fraction of the domain evidence vocabulary
	// collected across all rounds so far. Range [0,1].
	EvidenceCoverage float64 `json:"evidence_coverage"`

	// OverallConvergence is the weighted combination of the four sub-metrics,
	// clipped to [0,1].
	OverallConvergence float64 `json:"overall_convergence"`

	// Confidence rewards both convergence and having iterated enough rounds.
	// Range [0,1].
	Confidence float64 `json:"confidence"`
}

// HistoryEntry is one committed round in a session's convergence history.
type HistoryEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	ChosenID  string             `json:"chosen_id"`
	Label     string             `json:"label"`
	Score     float64            `json:"score"`
	Evidence  []string           `json:"evidence"`
	Metrics   ConvergenceMetrics `json:"metrics"`
}

// ConvergenceReport summarizes a finished (or in-flight) session.
type ConvergenceReport struct {
	SessionID          string    `json:"session_id"`
	TotalRounds        int       `json:"total_rounds"`
	FinalConvergence   float64   `json:"final_convergence"`
	AverageConvergence float64   `json:"average_convergence"`
	Trend              []float64 `json:"trend"`
	FinalChosenID      string    `json:"final_chosen_id"`
	FinalScore         float64   `json:"final_score"`
	EvidenceCollected  []string  `json:"evidence_collected"`
	ImprovementRate    float64   `json:"improvement_rate"`
}

// =============================================================================
// Stop decision
// =============================================================================

// StopDecision is the authoritative per-round termination verdict.
//
// It is computed fresh every round and never persisted on its own; the
// orchestrator stores it inside the round record if it wants history.
type StopDecision struct {
	// ShouldStop reports whether the spiral should terminate this round.
	ShouldStop bool `json:"should_stop"`

	// Reason is a human-readable explanation of the verdict.
	Reason string `json:"reason"`

	// HardRule names the hard rule that fired, or "" if none did.
	HardRule string `json:"hard_rule,omitempty"`

	// SoftScore is the accumulated soft-rule weight, when soft rules were
	// evaluated this round.
	SoftScore float64 `json:"soft_score,omitempty"`

	// CanSave reports whether the session's derived case qualifies for
	// write-back into the feedback store.
	CanSave bool `json:"can_save"`

	// TreatmentEffective is the stricter effectiveness classification.
	TreatmentEffective bool `json:"treatment_effective"`

	// Recommendations are human-facing suggestions for the caller's
	// presentation layer.
	Recommendations []string `json:"recommendations,omitempty"`
}

// =============================================================================
// Session context and round output
// =============================================================================

// SessionContext is the caller-supplied identity of one round.
//
// The core never invents a session id or round number; both come from the
// orchestrator that owns the session.
type SessionContext struct {
	// SessionID identifies the session. Required.
	SessionID string `json:"session_id"`

	// Round is the 1-based round number within the session.
	Round int `json:"round"`

	// UsedCaseIDs is the monotonically growing set of case ids already
	// consumed by earlier rounds.
	UsedCaseIDs []string `json:"used_case_ids,omitempty"`

	// UserSatisfied marks explicit caller satisfaction, which short-circuits
	// the stop criteria.
	UserSatisfied bool `json:"user_satisfied,omitempty"`
}

// RoundOutput is everything one round hands back to the orchestrator.
type RoundOutput struct {
	Fusion    FusionResult       `json:"fusion"`
	Smoothed  SmoothedScores     `json:"smoothed"`
	Metrics   ConvergenceMetrics `json:"metrics"`
	Decision  StopDecision       `json:"decision"`
	Round     int                `json:"round"`
	SessionID string             `json:"session_id"`
}
