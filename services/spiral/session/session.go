// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the per-session mutable state of a spiral.
//
// All round-to-round state lives here: the smoothed score history, the
// convergence history, and the accumulated evidence. The engine locks a
// session for the duration of a round, so rounds of one session serialize
// while different sessions run fully in parallel.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/SpiralCBR/pkg/validation"
	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// ErrNotFound reports an unknown or disposed session id.
var ErrNotFound = errors.New("session not found")

// ErrExists reports a duplicate session id on Create.
var ErrExists = errors.New("session already exists")

// State is the mutable per-session record.
//
// # Thread Safety
//
// Not internally synchronized. Callers must hold Lock around any access;
// the engine locks for a whole round so round r+1 observes round r's
// committed state.
type State struct {
	// Lock serializes rounds of this session.
	Lock sync.Mutex

	// ID is the caller-supplied session id; the core never invents one.
	ID string

	// Rounds is how many rounds have been committed.
	Rounds int

	// Scores is the latest smoothed label score map.
	Scores map[string]float64

	// ScoreHistory keeps each committed round's smoothed map, oldest
	// first, for stability checks.
	ScoreHistory []map[string]float64

	// History is the committed convergence history, oldest first.
	History []datatypes.HistoryEntry

	// Accumulated is every evidence tag seen across all rounds.
	Accumulated datatypes.EvidenceSet

	// UsedCaseIDs tracks cases already served to this session.
	UsedCaseIDs map[string]struct{}

	// EmptyFeedback reports whether the feedback index was empty on the
	// last committed round.
	EmptyFeedback bool

	// CreatedAt is when the session was created.
	CreatedAt time.Time
}

// LastMetrics returns the most recent committed metrics, or a zero value
// and false before any round commits.
func (s *State) LastMetrics() (datatypes.ConvergenceMetrics, bool) {
	if len(s.History) == 0 {
		return datatypes.ConvergenceMetrics{}, false
	}
	return s.History[len(s.History)-1].Metrics, true
}

// MarkUsed records case ids served this round.
func (s *State) MarkUsed(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		s.UsedCaseIDs[id] = struct{}{}
	}
}

// Used reports whether a case was already served.
func (s *State) Used(id string) bool {
	_, ok := s.UsedCaseIDs[id]
	return ok
}

// Store keeps live sessions by id. Disposal is explicit; the store never
// garbage-collects on its own.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*State)}
}

// Create registers a new session under the caller's id. Ids flow into store
// keys and query filters, so malformed ones are rejected here.
func (st *Store) Create(id string) (*State, error) {
	if err := validation.ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("session id rejected: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	s := &State{
		ID:          id,
		Scores:      make(map[string]float64),
		Accumulated: datatypes.NewEvidenceSet(),
		UsedCaseIDs: make(map[string]struct{}),
		CreatedAt:   time.Now().UTC(),
	}
	st.sessions[id] = s
	return s, nil
}

// Get returns a live session, or ErrNotFound.
func (st *Store) Get(id string) (*State, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Dispose drops a session. Idempotent; disposing an unknown id is a no-op.
func (st *Store) Dispose(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Len returns the live session count.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
