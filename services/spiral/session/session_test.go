// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreateGetDispose(t *testing.T) {
	store := NewStore()

	s, err := store.Create("session-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", s.ID)

	got, err := store.Get("session-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	store.Dispose("session-1")
	_, err = store.Get("session-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Disposal is idempotent.
	store.Dispose("session-1")
	assert.Equal(t, 0, store.Len())
}

func TestStoreRejectsDuplicateAndEmptyIDs(t *testing.T) {
	store := NewStore()

	_, err := store.Create("session-1")
	require.NoError(t, err)

	_, err = store.Create("session-1")
	assert.ErrorIs(t, err, ErrExists)

	_, err = store.Create("")
	assert.Error(t, err)

	_, err = store.Create(`id"){__schema}`)
	assert.Error(t, err)
}

func TestStateUsedCaseTracking(t *testing.T) {
	store := NewStore()
	s, err := store.Create("session-1")
	require.NoError(t, err)

	s.MarkUsed("case-1", "", "case-2")
	assert.True(t, s.Used("case-1"))
	assert.True(t, s.Used("case-2"))
	assert.False(t, s.Used("case-3"))
	assert.False(t, s.Used(""))
}

func TestStateLastMetrics(t *testing.T) {
	store := NewStore()
	s, err := store.Create("session-1")
	require.NoError(t, err)

	_, ok := s.LastMetrics()
	assert.False(t, ok)
}
