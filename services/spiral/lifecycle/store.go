// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle governs the quarantine/active/deprecated state machine
// for learned cases and their persistence.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// ErrNotFound reports a missing case record.
var ErrNotFound = errors.New("case record not found")

// ErrWritebackDeferred reports a store write that kept losing conflict
// retries. The write is dropped, not corrupted; the caller may try again on
// the next round or sweep.
var ErrWritebackDeferred = errors.New("writeback deferred after repeated conflicts")

// CounterDelta is an atomic counter adjustment for one record.
type CounterDelta struct {
	Hit      int
	Positive int
	Negative int
}

// CaseStore is the persistence contract the lifecycle manager requires.
//
// All mutations are single-record atomic; no cross-record transactions.
type CaseStore interface {
	// Get returns the record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*datatypes.CaseRecord, error)

	// GetByHash returns the record with the given content hash, or
	// ErrNotFound.
	GetByHash(ctx context.Context, hash string) (*datatypes.CaseRecord, error)

	// Insert stores a new record and returns its id, assigning one when
	// the record has none.
	Insert(ctx context.Context, rec *datatypes.CaseRecord) (string, error)

	// UpdateStatus moves a record to a new status.
	UpdateStatus(ctx context.Context, id string, status datatypes.CaseStatus) error

	// IncrementCounters atomically adjusts a record's hit and feedback
	// counters.
	IncrementCounters(ctx context.Context, id string, delta CounterDelta) error

	// ListByStatus returns every record in the given status bucket.
	ListByStatus(ctx context.Context, status datatypes.CaseStatus) ([]*datatypes.CaseRecord, error)

	// Touch records a hit timestamp without changing counters.
	Touch(ctx context.Context, id string, at time.Time) error
}
