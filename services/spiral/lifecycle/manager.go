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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

var tracer = otel.Tracer("aleutian.spiral.lifecycle")

// =============================================================================
// Configuration
// =============================================================================

// Config controls the write-back gate and the promotion/demotion rules.
type Config struct {
	// Write-back gate thresholds.
	WritebackConvergenceMin float64
	WritebackCoverageMin    float64
	WritebackStabilityMin   float64
	WritebackMinRounds      int
	LabelStableRounds       int
	MinConfidenceGap        float64

	// Promotion: quarantine to active.
	PromoteHitsMin         int
	PromotePositiveRateMin float64

	// Demotion: active to deprecated.
	DemoteNoHitAfter    time.Duration
	DemoteFeedbackMin   int
	DemoteNegativeRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WritebackConvergenceMin: 0.70,
		WritebackCoverageMin:    0.50,
		WritebackStabilityMin:   0.60,
		WritebackMinRounds:      2,
		LabelStableRounds:       2,
		MinConfidenceGap:        0.05,
		PromoteHitsMin:          3,
		PromotePositiveRateMin:  0.80,
		DemoteNoHitAfter:        180 * 24 * time.Hour,
		DemoteFeedbackMin:       10,
		DemoteNegativeRatio:     0.50,
	}
}

func validateConfig(config *Config) {
	defaults := DefaultConfig()

	clampUnit := func(name string, v *float64, fallback float64) {
		if *v <= 0 || *v > 1 {
			slog.Warn("Invalid lifecycle threshold, using default",
				"threshold", name, "provided", *v, "default", fallback)
			*v = fallback
		}
	}
	clampUnit("writeback_convergence_min", &config.WritebackConvergenceMin, defaults.WritebackConvergenceMin)
	clampUnit("writeback_coverage_min", &config.WritebackCoverageMin, defaults.WritebackCoverageMin)
	clampUnit("writeback_stability_min", &config.WritebackStabilityMin, defaults.WritebackStabilityMin)
	clampUnit("promote_positive_rate_min", &config.PromotePositiveRateMin, defaults.PromotePositiveRateMin)
	clampUnit("demote_negative_ratio", &config.DemoteNegativeRatio, defaults.DemoteNegativeRatio)

	if config.WritebackMinRounds < 1 {
		config.WritebackMinRounds = defaults.WritebackMinRounds
	}
	if config.LabelStableRounds < 1 {
		config.LabelStableRounds = defaults.LabelStableRounds
	}
	if config.MinConfidenceGap < 0 {
		config.MinConfidenceGap = defaults.MinConfidenceGap
	}
	if config.PromoteHitsMin < 1 {
		config.PromoteHitsMin = defaults.PromoteHitsMin
	}
	if config.DemoteNoHitAfter <= 0 {
		config.DemoteNoHitAfter = defaults.DemoteNoHitAfter
	}
	if config.DemoteFeedbackMin < 1 {
		config.DemoteFeedbackMin = defaults.DemoteFeedbackMin
	}
}

// =============================================================================
// Manager
// =============================================================================

// WritebackInput is the end-of-session evidence the write-back gate judges.
type WritebackInput struct {
	// Metrics are the final round's convergence metrics.
	Metrics datatypes.ConvergenceMetrics

	// Rounds is how many rounds the session ran.
	Rounds int

	// History holds the committed rounds, oldest first.
	History []datatypes.HistoryEntry

	// PrimaryScore and SecondaryScore are the top-2 smoothed candidate
	// scores of the final round; SecondaryScore is 0 with a single
	// candidate.
	PrimaryScore   float64
	SecondaryScore float64
}

// MaintenanceReport summarizes one sweep.
type MaintenanceReport struct {
	QuarantineChecked int `json:"quarantine_checked"`
	Promoted          int `json:"promoted"`
	ActiveChecked     int `json:"active_checked"`
	Demoted           int `json:"demoted"`
	Errors            int `json:"errors"`
}

// Statistics counts records per status bucket.
type Statistics struct {
	Quarantine int `json:"quarantine"`
	Active     int `json:"active"`
	Deprecated int `json:"deprecated"`
}

// Manager runs the case state machine over a CaseStore.
//
// # Thread Safety
//
// Safe for concurrent use; all mutation happens through the store's
// single-record atomic operations, so the maintenance sweep may race new
// writes without corrupting counters.
type Manager struct {
	store  CaseStore
	config Config
	now    func() time.Time
}

// NewManager creates a manager over the given store.
func NewManager(store CaseStore, config Config) *Manager {
	validateConfig(&config)
	return &Manager{store: store, config: config, now: time.Now}
}

// ShouldWriteback judges whether a finished session has earned persistence.
//
// All six gate conditions must hold; the first failing one is reported as a
// human-readable reason.
func (m *Manager) ShouldWriteback(in WritebackInput) (bool, string) {
	c := m.config
	metrics := in.Metrics

	if metrics.OverallConvergence < c.WritebackConvergenceMin {
		return false, fmt.Sprintf("Convergence %.2f below the write-back threshold %.2f.",
			metrics.OverallConvergence, c.WritebackConvergenceMin)
	}
	if metrics.EvidenceCoverage < c.WritebackCoverageMin {
		return false, fmt.Sprintf("Evidence coverage %.2f below the write-back threshold %.2f.",
			metrics.EvidenceCoverage, c.WritebackCoverageMin)
	}
	if metrics.CaseStability < c.WritebackStabilityMin {
		return false, fmt.Sprintf("Case stability %.2f below the write-back threshold %.2f.",
			metrics.CaseStability, c.WritebackStabilityMin)
	}
	if in.Rounds < c.WritebackMinRounds {
		return false, fmt.Sprintf("Only %d rounds completed; %d required before write-back.",
			in.Rounds, c.WritebackMinRounds)
	}
	if !labelStable(in.History, c.LabelStableRounds) {
		return false, fmt.Sprintf("Leading label changed within the last %d rounds.",
			c.LabelStableRounds)
	}
	if in.PrimaryScore-in.SecondaryScore < c.MinConfidenceGap {
		return false, fmt.Sprintf("Score gap %.3f between top candidates below the minimum %.3f.",
			in.PrimaryScore-in.SecondaryScore, c.MinConfidenceGap)
	}
	return true, "All write-back conditions satisfied."
}

func labelStable(history []datatypes.HistoryEntry, n int) bool {
	if len(history) < n {
		return false
	}
	recent := history[len(history)-n:]
	label := recent[0].Label
	if label == "" {
		return false
	}
	for _, e := range recent[1:] {
		if e.Label != label {
			return false
		}
	}
	return true
}

// SaveToQuarantine persists a session outcome, deduplicating by content.
//
// # Description
//
// The record's content hash covers its label and sorted tag sets. When an
// equivalent record already exists the higher-convergence one survives and
// the other is deprecated; nothing is ever deleted.
//
// # Outputs
//
// The record that now represents this content, whether the new one or the
// surviving existing one.
func (m *Manager) SaveToQuarantine(ctx context.Context, rec datatypes.CaseRecord) (*datatypes.CaseRecord, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.SaveToQuarantine")
	defer span.End()

	rec.ContentHash = datatypes.ContentHash(rec.Label, rec.Evidence, rec.SecondaryTags)
	rec.Status = datatypes.StatusQuarantine
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid case record: %w", err)
	}

	existing, err := m.store.GetByHash(ctx, rec.ContentHash)
	switch {
	case errors.Is(err, ErrNotFound):
		// First sighting of this content.
	case err != nil:
		return nil, err
	case existing.ConvergenceScore >= rec.ConvergenceScore:
		slog.Info("Duplicate case kept existing record",
			"hash", rec.ContentHash, "existing_id", existing.ID,
			"existing_score", existing.ConvergenceScore, "new_score", rec.ConvergenceScore)
		return existing, nil
	default:
		if err := m.store.UpdateStatus(ctx, existing.ID, datatypes.StatusDeprecated); err != nil {
			return nil, err
		}
		slog.Info("Duplicate case superseded by higher-scoring record",
			"hash", rec.ContentHash, "deprecated_id", existing.ID)
	}

	id, err := m.store.Insert(ctx, &rec)
	if err != nil {
		return nil, err
	}
	slog.Info("Case saved to quarantine", "id", id, "label", rec.Label,
		"convergence", rec.ConvergenceScore)
	return &rec, nil
}

// PromoteToActive promotes a quarantined case that has earned trust.
// Returns false without error when the case is not yet eligible.
func (m *Manager) PromoteToActive(ctx context.Context, id string) (bool, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != datatypes.StatusQuarantine {
		return false, fmt.Errorf("case %s is %s, not quarantined", id, rec.Status)
	}
	if rec.HitCount < m.config.PromoteHitsMin ||
		rec.PositiveRate() < m.config.PromotePositiveRateMin {
		return false, nil
	}

	if err := m.store.UpdateStatus(ctx, id, datatypes.StatusActive); err != nil {
		return false, err
	}
	slog.Info("Case promoted to active", "id", id,
		"hits", rec.HitCount, "positive_rate", rec.PositiveRate())
	return true, nil
}

// Deprecate retires a case. Terminal; deprecated cases never return.
func (m *Manager) Deprecate(ctx context.Context, id string, reason string) error {
	if err := m.store.UpdateStatus(ctx, id, datatypes.StatusDeprecated); err != nil {
		return err
	}
	slog.Info("Case deprecated", "id", id, "reason", reason)
	return nil
}

// RecordHit notes that retrieval served this case.
func (m *Manager) RecordHit(ctx context.Context, id string) error {
	if err := m.store.IncrementCounters(ctx, id, CounterDelta{Hit: 1}); err != nil {
		return err
	}
	return m.store.Touch(ctx, id, m.now())
}

// RecordFeedback applies one user feedback signal to a case.
func (m *Manager) RecordFeedback(ctx context.Context, id string, positive bool) error {
	delta := CounterDelta{Negative: 1}
	if positive {
		delta = CounterDelta{Positive: 1}
	}
	return m.store.IncrementCounters(ctx, id, delta)
}

// RunMaintenance sweeps the store once: every quarantined case is
// re-checked for promotion, every active case for demotion.
//
// The sweep is idempotent and safe to run concurrently with new writes;
// each record is judged and mutated independently, and a failure on one
// record is counted and skipped rather than aborting the sweep.
func (m *Manager) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.RunMaintenance")
	defer span.End()

	var report MaintenanceReport

	quarantined, err := m.store.ListByStatus(ctx, datatypes.StatusQuarantine)
	if err != nil {
		return report, err
	}
	report.QuarantineChecked = len(quarantined)
	for _, rec := range quarantined {
		promoted, err := m.PromoteToActive(ctx, rec.ID)
		if err != nil {
			slog.Warn("Maintenance promotion failed", "id", rec.ID, "error", err)
			report.Errors++
			continue
		}
		if promoted {
			report.Promoted++
		}
	}

	active, err := m.store.ListByStatus(ctx, datatypes.StatusActive)
	if err != nil {
		return report, err
	}
	report.ActiveChecked = len(active)
	for _, rec := range active {
		reason, demote := m.shouldDemote(rec)
		if !demote {
			continue
		}
		if err := m.Deprecate(ctx, rec.ID, reason); err != nil {
			slog.Warn("Maintenance demotion failed", "id", rec.ID, "error", err)
			report.Errors++
			continue
		}
		report.Demoted++
	}

	slog.Info("Maintenance sweep complete",
		"quarantine_checked", report.QuarantineChecked,
		"promoted", report.Promoted,
		"active_checked", report.ActiveChecked,
		"demoted", report.Demoted,
		"errors", report.Errors)
	return report, nil
}

// shouldDemote applies the active-to-deprecated rules to one record.
func (m *Manager) shouldDemote(rec *datatypes.CaseRecord) (string, bool) {
	lastSeen := rec.LastHitAt
	if lastSeen.IsZero() {
		lastSeen = rec.CreatedAt
	}
	if m.now().Sub(lastSeen) > m.config.DemoteNoHitAfter {
		return fmt.Sprintf("no hit since %s", lastSeen.Format(time.RFC3339)), true
	}

	total := rec.PositiveFeedback + rec.NegativeFeedback
	if total >= m.config.DemoteFeedbackMin && rec.NegativeRate() > m.config.DemoteNegativeRatio {
		return fmt.Sprintf("negative feedback ratio %.2f over %d signals",
			rec.NegativeRate(), total), true
	}
	return "", false
}

// Statistics counts the store's records per status bucket.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	for _, s := range []struct {
		status datatypes.CaseStatus
		out    *int
	}{
		{datatypes.StatusQuarantine, &stats.Quarantine},
		{datatypes.StatusActive, &stats.Active},
		{datatypes.StatusDeprecated, &stats.Deprecated},
	} {
		records, err := m.store.ListByStatus(ctx, s.status)
		if err != nil {
			return stats, err
		}
		*s.out = len(records)
	}
	return stats, nil
}
