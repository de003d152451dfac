// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T) (*Manager, *BadgerStore) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, DefaultConfig()), store
}

func testRecord(label string, score float64) datatypes.CaseRecord {
	return datatypes.CaseRecord{
		SessionID:        "session-1",
		Label:            label,
		Evidence:         []string{"insomnia", "palpitations"},
		SecondaryTags:    []string{"night"},
		Rounds:           3,
		ConvergenceScore: score,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("heart-blood-deficiency", 0.8)
	rec.ContentHash = datatypes.ContentHash(rec.Label, rec.Evidence, rec.SecondaryTags)

	id, err := store.Insert(ctx, &rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Label, got.Label)
	assert.Equal(t, datatypes.StatusQuarantine, got.Status)

	byHash, err := store.GetByHash(ctx, rec.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, id, byHash.ID)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByHash(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreStatusIndexFollowsUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("liver-qi", 0.7)
	id, err := store.Insert(ctx, &rec)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, id, datatypes.StatusActive))

	quarantined, err := store.ListByStatus(ctx, datatypes.StatusQuarantine)
	require.NoError(t, err)
	assert.Empty(t, quarantined)

	active, err := store.ListByStatus(ctx, datatypes.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
}

func TestStoreIncrementCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("liver-qi", 0.7)
	id, err := store.Insert(ctx, &rec)
	require.NoError(t, err)

	require.NoError(t, store.IncrementCounters(ctx, id, CounterDelta{Hit: 1, Positive: 1}))
	require.NoError(t, store.IncrementCounters(ctx, id, CounterDelta{Hit: 1, Negative: 1}))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.HitCount)
	assert.Equal(t, 1, got.PositiveFeedback)
	assert.Equal(t, 1, got.NegativeFeedback)
}

func TestShouldWriteback(t *testing.T) {
	m, _ := newTestManager(t)

	goodMetrics := datatypes.ConvergenceMetrics{
		OverallConvergence: 0.8,
		EvidenceCoverage:   0.6,
		CaseStability:      0.9,
	}
	stableHistory := []datatypes.HistoryEntry{
		{Label: "liver-qi"},
		{Label: "liver-qi"},
	}

	tests := []struct {
		name string
		in   WritebackInput
		want bool
	}{
		{
			name: "all conditions satisfied",
			in: WritebackInput{
				Metrics: goodMetrics, Rounds: 3, History: stableHistory,
				PrimaryScore: 0.7, SecondaryScore: 0.4,
			},
			want: true,
		},
		{
			name: "low convergence",
			in: WritebackInput{
				Metrics: datatypes.ConvergenceMetrics{OverallConvergence: 0.3},
				Rounds:  3, History: stableHistory,
				PrimaryScore: 0.7, SecondaryScore: 0.4,
			},
			want: false,
		},
		{
			name: "too few rounds",
			in: WritebackInput{
				Metrics: goodMetrics, Rounds: 1, History: stableHistory,
				PrimaryScore: 0.7, SecondaryScore: 0.4,
			},
			want: false,
		},
		{
			name: "label flipped",
			in: WritebackInput{
				Metrics: goodMetrics, Rounds: 3,
				History: []datatypes.HistoryEntry{
					{Label: "spleen-damp"},
					{Label: "liver-qi"},
				},
				PrimaryScore: 0.7, SecondaryScore: 0.4,
			},
			want: false,
		},
		{
			name: "candidates too close",
			in: WritebackInput{
				Metrics: goodMetrics, Rounds: 3, History: stableHistory,
				PrimaryScore: 0.70, SecondaryScore: 0.69,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := m.ShouldWriteback(tt.in)
			assert.Equal(t, tt.want, ok)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestSaveToQuarantineDedup(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	first, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.6))
	require.NoError(t, err)

	// Same content at a lower score keeps the existing record.
	kept, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.5))
	require.NoError(t, err)
	assert.Equal(t, first.ID, kept.ID)

	// Same content at a higher score supersedes; the old record is
	// deprecated, never deleted.
	winner, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.9))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, winner.ID)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusDeprecated, old.Status)

	current, err := store.GetByHash(ctx, winner.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, current.ID)
}

func TestPromotionGate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	saved, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.8))
	require.NoError(t, err)

	// Two hits with perfect feedback must not promote.
	for i := 0; i < 2; i++ {
		require.NoError(t, m.RecordHit(ctx, saved.ID))
		require.NoError(t, m.RecordFeedback(ctx, saved.ID, true))
	}
	promoted, err := m.PromoteToActive(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, promoted)

	// Third hit crosses the threshold.
	require.NoError(t, m.RecordHit(ctx, saved.ID))
	require.NoError(t, m.RecordFeedback(ctx, saved.ID, true))

	promoted, err = m.PromoteToActive(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, promoted)

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, got.Status)
}

func TestPromotionRequiresFeedback(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	saved, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.8))
	require.NoError(t, err)

	// Hits without any feedback means a zero positive rate.
	for i := 0; i < 5; i++ {
		require.NoError(t, m.RecordHit(ctx, saved.ID))
	}

	promoted, err := m.PromoteToActive(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestMaintenanceSweep(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	// Eligible quarantined case.
	eligible, err := m.SaveToQuarantine(ctx, testRecord("liver-qi", 0.8))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordHit(ctx, eligible.ID))
		require.NoError(t, m.RecordFeedback(ctx, eligible.ID, true))
	}

	// Fresh quarantined case, not eligible.
	_, err = m.SaveToQuarantine(ctx, testRecord("spleen-damp", 0.7))
	require.NoError(t, err)

	// Active case with overwhelmingly negative feedback.
	noisy := testRecord("kidney-yin", 0.7)
	noisy.Status = datatypes.StatusActive
	noisy.ContentHash = datatypes.ContentHash(noisy.Label, noisy.Evidence, noisy.SecondaryTags)
	noisy.LastHitAt = time.Now().UTC()
	noisyID, err := store.Insert(ctx, &noisy)
	require.NoError(t, err)
	require.NoError(t, store.IncrementCounters(ctx, noisyID, CounterDelta{Positive: 2, Negative: 8}))

	report, err := m.RunMaintenance(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.QuarantineChecked)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Demoted)
	assert.Equal(t, 0, report.Errors)

	// Idempotent: a second sweep changes nothing.
	report2, err := m.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report2.Promoted)
	assert.Equal(t, 0, report2.Demoted)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantine)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Deprecated)
}

func TestMaintenanceDemotesStaleCase(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	stale := testRecord("liver-qi", 0.8)
	stale.Status = datatypes.StatusActive
	stale.ContentHash = datatypes.ContentHash(stale.Label, stale.Evidence, stale.SecondaryTags)
	stale.CreatedAt = time.Now().UTC().Add(-200 * 24 * time.Hour)
	id, err := store.Insert(ctx, &stale)
	require.NoError(t, err)

	report, err := m.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Demoted)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusDeprecated, got.Status)
}
