// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the spiral round pipeline.
//
// One round is retrieval, temporal smoothing, convergence tracking, and a
// stop decision, executed under the session's lock so rounds of a session
// serialize and round r+1 always observes round r's committed state. The
// engine owns no session state itself; everything round-scoped lives in the
// session store, and learned cases flow through the lifecycle manager at
// session end.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/SpiralCBR/pkg/logging"
	"github.com/AleutianAI/SpiralCBR/services/spiral/analytics"
	"github.com/AleutianAI/SpiralCBR/services/spiral/convergence"
	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
	"github.com/AleutianAI/SpiralCBR/services/spiral/lifecycle"
	"github.com/AleutianAI/SpiralCBR/services/spiral/observability"
	"github.com/AleutianAI/SpiralCBR/services/spiral/retrieval"
	"github.com/AleutianAI/SpiralCBR/services/spiral/session"
	"github.com/AleutianAI/SpiralCBR/services/spiral/stopcriteria"
)

var tracer = otel.Tracer("aleutian.spiral.engine")

// ErrRoundOutOfOrder reports a round number that does not follow the
// session's committed round count. Rounds of one session must be issued
// sequentially.
var ErrRoundOutOfOrder = errors.New("round out of order for session")

// Deps wires the engine's collaborators. Retrieval, Smoother, Tracker, and
// Stop are required; Lifecycle and Analytics may be nil, disabling
// write-back and research metrics respectively. A nil Logger falls back to
// the default service logger.
type Deps struct {
	Retrieval *retrieval.Engine
	Smoother  *convergence.Smoother
	Tracker   *convergence.Tracker
	Stop      *stopcriteria.Engine
	Lifecycle *lifecycle.Manager
	Analytics *analytics.Sink
	Logger    *logging.Logger
}

// FinishResult is the outcome of ending a session.
type FinishResult struct {
	// Report summarizes the session's convergence trajectory.
	Report datatypes.ConvergenceReport `json:"report"`

	// Saved reports whether a case was written back.
	Saved bool `json:"saved"`

	// Deferred reports a write-back lost to store contention; the outcome
	// was eligible but not persisted.
	Deferred bool `json:"deferred"`

	// Reason explains the write-back verdict in prose.
	Reason string `json:"reason"`

	// Record is the persisted (or surviving duplicate) case, when Saved.
	Record *datatypes.CaseRecord `json:"record,omitempty"`
}

// Engine drives spiral sessions.
//
// # Thread Safety
//
// Safe for concurrent use across sessions; rounds within one session are
// serialized by the session lock.
type Engine struct {
	deps     Deps
	sessions *session.Store
	log      *slog.Logger
}

// New creates an engine. Returns an error when a required collaborator is
// missing; a half-wired engine is a configuration bug, not something to
// limp along with.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Retrieval == nil:
		return nil, fmt.Errorf("engine requires a retrieval engine")
	case deps.Smoother == nil:
		return nil, fmt.Errorf("engine requires a smoother")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("engine requires a tracker")
	case deps.Stop == nil:
		return nil, fmt.Errorf("engine requires a stop-criteria engine")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Engine{
		deps:     deps,
		sessions: session.NewStore(),
		log:      deps.Logger.Slog(),
	}, nil
}

// RunRound executes one spiral round for the session in sctx.
//
// # Description
//
// Round 1 creates the session; later rounds must arrive in order. The
// session lock is held for the whole round, and all session mutations
// commit together after every pipeline stage has succeeded, so an error
// leaves the session exactly as the previous round left it.
//
// # Outputs
//
// The fused candidates, smoothed scores, convergence metrics, and the
// authoritative stop decision for this round.
func (e *Engine) RunRound(ctx context.Context, sctx datatypes.SessionContext, req datatypes.RetrievalRequest) (*datatypes.RoundOutput, error) {
	ctx, span := tracer.Start(ctx, "engine.RunRound")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sctx.SessionID),
		attribute.Int("round", sctx.Round),
	)
	start := time.Now()

	s, err := e.sessionFor(sctx)
	if err != nil {
		return nil, err
	}

	s.Lock.Lock()
	defer s.Lock.Unlock()

	if sctx.Round != s.Rounds+1 {
		return nil, fmt.Errorf("%w: got round %d, expected %d",
			ErrRoundOutOfOrder, sctx.Round, s.Rounds+1)
	}

	coverage := 0.0
	if last, ok := s.LastMetrics(); ok {
		coverage = last.EvidenceCoverage
	}

	fusion, err := e.deps.Retrieval.Retrieve(ctx, retrieval.RoundInput{
		Query:         req.Query,
		Vector:        req.Vector,
		Round:         sctx.Round,
		Coverage:      coverage,
		EmptyFeedback: s.EmptyFeedback,
	})
	if err != nil {
		return nil, fmt.Errorf("round %d retrieval: %w", sctx.Round, err)
	}

	raw := labelScores(fusion.Candidates)
	smoothed := e.deps.Smoother.Smooth(sctx.Round, raw, s.Scores)

	topLabel, topScore := smoothed.Top()
	entry := datatypes.HistoryEntry{
		Timestamp: time.Now().UTC(),
		ChosenID:  chosenID(fusion.Candidates, topLabel),
		Label:     topLabel,
		Score:     topScore,
	}

	newEvidence := 0
	accumulated := datatypes.NewEvidenceSet(s.Accumulated.Slice()...)
	for _, c := range fusion.Candidates {
		for _, tag := range c.Evidence {
			entry.Evidence = append(entry.Evidence, tag)
			if !accumulated.Contains(tag) {
				newEvidence++
				accumulated.Add(tag)
			}
		}
	}

	metrics := e.deps.Tracker.Evaluate(entry, s.History, accumulated)
	entry.Metrics = metrics

	decision := e.deps.Stop.Evaluate(stopcriteria.Input{
		Round:            sctx.Round,
		Metrics:          metrics,
		History:          append(append([]datatypes.HistoryEntry{}, s.History...), entry),
		UserSatisfied:    sctx.UserSatisfied,
		NewEvidenceCount: newEvidence,
	})

	// The tracker's own stop vote is advisory; a disagreement is worth a
	// log line but the rule engine wins.
	if advisory := e.deps.Tracker.ShouldStop(metrics, sctx.Round); advisory != decision.ShouldStop {
		e.log.Debug("Advisory stop vote disagrees with rule engine",
			"session_id", sctx.SessionID, "round", sctx.Round,
			"advisory", advisory, "decision", decision.ShouldStop)
	}

	// Commit. Nothing past this point can fail, so the round is all or
	// nothing.
	scoreChanges := smoothed.TopChanges(s.Scores, 3)
	s.Rounds = sctx.Round
	s.Scores = smoothed.Scores
	s.ScoreHistory = append(s.ScoreHistory, smoothed.Scores)
	s.History = append(s.History, entry)
	s.Accumulated = accumulated
	s.EmptyFeedback = fusion.EmptyFeedback
	for _, c := range fusion.Candidates {
		s.MarkUsed(c.ID)
	}

	outcome := "continue"
	if decision.ShouldStop {
		outcome = "stop"
		rule := decision.HardRule
		if rule == "" {
			rule = "soft"
		}
		observability.StopRules.WithLabelValues(rule).Inc()
	}
	observability.RoundsTotal.WithLabelValues(outcome).Inc()
	observability.RoundDuration.Observe(time.Since(start).Seconds())
	observability.ConvergenceScore.Observe(metrics.OverallConvergence)
	e.deps.Analytics.RecordRound(sctx.SessionID, sctx.Round, fusion.Alpha, metrics, decision.ShouldStop)

	e.log.Info("Round complete",
		"session_id", sctx.SessionID,
		"round", sctx.Round,
		"label", topLabel,
		"score", topScore,
		"score_changes", scoreChanges,
		"convergence", metrics.OverallConvergence,
		"should_stop", decision.ShouldStop,
		"duration", time.Since(start))

	return &datatypes.RoundOutput{
		Fusion:    *fusion,
		Smoothed:  smoothed,
		Metrics:   metrics,
		Decision:  decision,
		Round:     sctx.Round,
		SessionID: sctx.SessionID,
	}, nil
}

// FinishSession ends a session: evaluates the write-back gate, persists a
// qualifying outcome through the lifecycle manager, and disposes the
// session state. The session is disposed even when write-back fails.
func (e *Engine) FinishSession(ctx context.Context, sessionID string) (*FinishResult, error) {
	ctx, span := tracer.Start(ctx, "engine.FinishSession")
	defer span.End()

	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.Lock.Lock()
	defer s.Lock.Unlock()
	defer func() {
		e.sessions.Dispose(sessionID)
		observability.ActiveSessions.Dec()
	}()

	result := &FinishResult{
		Report: e.deps.Tracker.Report(sessionID, s.History, s.Accumulated),
	}

	if e.deps.Lifecycle == nil || len(s.History) == 0 {
		result.Reason = "No lifecycle manager configured or no rounds completed."
		return result, nil
	}

	last := s.History[len(s.History)-1]
	primary, secondary := topTwo(s.Scores)

	ok, reason := e.deps.Lifecycle.ShouldWriteback(lifecycle.WritebackInput{
		Metrics:        last.Metrics,
		Rounds:         s.Rounds,
		History:        s.History,
		PrimaryScore:   primary,
		SecondaryScore: secondary,
	})
	result.Reason = reason
	if !ok {
		observability.Writebacks.WithLabelValues("skipped").Inc()
		e.deps.Analytics.RecordWriteback(sessionID, "skipped", reason)
		return result, nil
	}

	rec, err := e.deps.Lifecycle.SaveToQuarantine(ctx, datatypes.CaseRecord{
		SessionID:        sessionID,
		Label:            last.Label,
		Evidence:         s.Accumulated.Slice(),
		SecondaryTags:    secondaryLabels(s.Scores, last.Label),
		Rounds:           s.Rounds,
		ConvergenceScore: last.Metrics.OverallConvergence,
	})
	switch {
	case errors.Is(err, lifecycle.ErrWritebackDeferred):
		result.Deferred = true
		result.Reason = "Write-back deferred by store contention."
		observability.Writebacks.WithLabelValues("deferred").Inc()
		e.deps.Analytics.RecordWriteback(sessionID, "deferred", result.Reason)
		return result, nil
	case err != nil:
		observability.Writebacks.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write-back for session %s: %w", sessionID, err)
	}

	result.Saved = true
	result.Record = rec
	observability.Writebacks.WithLabelValues("saved").Inc()
	observability.CaseTransitions.WithLabelValues(string(rec.Status)).Inc()
	e.deps.Analytics.RecordWriteback(sessionID, "saved", reason)
	return result, nil
}

// Abort drops a session without write-back. Partial state is discarded;
// aborting an unknown session is a no-op.
func (e *Engine) Abort(sessionID string) {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return
	}
	e.sessions.Dispose(sessionID)
	observability.ActiveSessions.Dec()
	e.log.Info("Session aborted", "session_id", sessionID)
}

// sessionFor resolves the session, creating it on round 1.
func (e *Engine) sessionFor(sctx datatypes.SessionContext) (*session.State, error) {
	if sctx.SessionID == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}

	s, err := e.sessions.Get(sctx.SessionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, session.ErrNotFound) || sctx.Round != 1 {
		return nil, err
	}

	s, err = e.sessions.Create(sctx.SessionID)
	if err != nil {
		return nil, err
	}
	observability.ActiveSessions.Inc()
	return s, nil
}

// labelScores reduces fused candidates to a raw label score map, keeping
// the best source score per label. Source scores are normalized
// similarities, so they are comparable across rounds.
func labelScores(candidates []datatypes.RankedCandidate) map[string]float64 {
	raw := make(map[string]float64)
	for _, c := range candidates {
		if c.Label == "" {
			continue
		}
		if c.Score > raw[c.Label] {
			raw[c.Label] = c.Score
		}
	}
	return raw
}

// chosenID returns the best-ranked candidate id carrying the label.
func chosenID(candidates []datatypes.RankedCandidate, label string) string {
	for _, c := range candidates {
		if c.Label == label {
			return c.ID
		}
	}
	return ""
}

// topTwo returns the two highest scores in the map, ties broken by label
// for determinism.
func topTwo(scores map[string]float64) (float64, float64) {
	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if scores[labels[i]] != scores[labels[j]] {
			return scores[labels[i]] > scores[labels[j]]
		}
		return labels[i] < labels[j]
	})

	switch len(labels) {
	case 0:
		return 0, 0
	case 1:
		return scores[labels[0]], 0
	default:
		return scores[labels[0]], scores[labels[1]]
	}
}

// secondaryLabels lists every scored label except the primary, sorted.
func secondaryLabels(scores map[string]float64, primary string) []string {
	var out []string
	for label := range scores {
		if label != primary {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}
