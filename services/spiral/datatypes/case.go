// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// caseValidate is the validator instance for case records.
// Initialized in init() with custom validators.
var caseValidate *validator.Validate

func init() {
	caseValidate = validator.New()

	_ = caseValidate.RegisterValidation("casestatus", validateCaseStatus)
}

// validateCaseStatus validates that a field holds a known lifecycle state.
func validateCaseStatus(fl validator.FieldLevel) bool {
	return CaseStatus(fl.Field().String()).Valid()
}

// CaseStatus is the lifecycle state of a feedback case.
//
// Transitions are one-way: quarantine -> active -> deprecated. Deprecated is
// terminal; records are never deleted.
type CaseStatus string

const (
	// StatusQuarantine holds newly written, unverified cases.
	StatusQuarantine CaseStatus = "quarantine"

	// StatusActive holds cases validated by repeated hits and positive
	// feedback.
	StatusActive CaseStatus = "active"

	// StatusDeprecated holds retired cases. Terminal.
	StatusDeprecated CaseStatus = "deprecated"
)

// Valid reports whether s is one of the three known states.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusQuarantine, StatusActive, StatusDeprecated:
		return true
	}
	return false
}

// CaseRecord is a feedback case derived from a converged session.
//
// Records are created at write-back time and mutated only through the
// lifecycle manager. Counter fields use atomic increment semantics in the
// store so the maintenance sweep can run concurrently with new feedback.
//
// # Validation
//
// Uses go-playground/validator:
//   - SessionID, Label: required
//   - Evidence: required, at least one tag
//   - Rounds: >= 1
//   - ConvergenceScore: 0.0-1.0
//   - Status: one of the known lifecycle states when set
type CaseRecord struct {
	// ID is the record id, unique across the store.
	ID string `json:"id"`

	// SessionID is the session the case was derived from.
	SessionID string `json:"session_id" validate:"required"`

	// Label is the final diagnosis/answer label.
	Label string `json:"label" validate:"required"`

	// Evidence is the sorted evidence tag set.
	Evidence []string `json:"evidence" validate:"required,min=1"`

	// SecondaryTags is the sorted auxiliary tag set.
	SecondaryTags []string `json:"secondary_tags,omitempty"`

	// Rounds is how many spiral rounds the originating session ran.
	Rounds int `json:"rounds" validate:"gte=1"`

	// ConvergenceScore is the session's final overall convergence.
	ConvergenceScore float64 `json:"convergence_score" validate:"gte=0,lte=1"`

	// ContentHash is the dedup key over (label, evidence, secondary tags).
	ContentHash string `json:"content_hash"`

	// Status is the lifecycle state.
	Status CaseStatus `json:"status" validate:"omitempty,casestatus"`

	// HitCount counts retrieval hits against this record.
	HitCount int `json:"hit_count"`

	// PositiveFeedback / NegativeFeedback count explicit feedback events.
	PositiveFeedback int `json:"positive_feedback"`
	NegativeFeedback int `json:"negative_feedback"`

	// CreatedAt is the write-back time.
	CreatedAt time.Time `json:"created_at"`

	// LastHitAt is the most recent hit time; zero when never hit.
	LastHitAt time.Time `json:"last_hit_at,omitempty"`
}

// Validate checks the record's fields against its validation tags. Call it
// before handing a caller-constructed record to the store.
func (r CaseRecord) Validate() error {
	return caseValidate.Struct(r)
}

// PositiveRate returns the positive feedback ratio, or 0 when the record has
// no feedback at all. Zero-feedback records deliberately fail promotion.
func (r CaseRecord) PositiveRate() float64 {
	total := r.PositiveFeedback + r.NegativeFeedback
	if total == 0 {
		return 0.0
	}
	return float64(r.PositiveFeedback) / float64(total)
}

// NegativeRate returns the negative feedback ratio, or 0 without feedback.
func (r CaseRecord) NegativeRate() float64 {
	total := r.PositiveFeedback + r.NegativeFeedback
	if total == 0 {
		return 0.0
	}
	return float64(r.NegativeFeedback) / float64(total)
}

// ContentHash computes the dedup key for a (label, evidence, secondary tags)
// triple.
//
// Tags are sorted before hashing so equal sets produce equal hashes
// regardless of order. The hash is the first 16 hex characters of the MD5 of
// "label|ev1,ev2|sec1,sec2". MD5 is fine here: the hash is a dedup key, not
// a security boundary.
func ContentHash(label string, evidence, secondaryTags []string) string {
	ev := append([]string(nil), evidence...)
	sec := append([]string(nil), secondaryTags...)
	sort.Strings(ev)
	sort.Strings(sec)

	content := label + "|" + strings.Join(ev, ",") + "|" + strings.Join(sec, ",")
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}
