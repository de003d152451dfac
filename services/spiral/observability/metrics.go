// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes Prometheus metrics for the spiral core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aleutian"

var (
	// RoundsTotal counts completed rounds by outcome (continue/stop).
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "rounds_total",
		Help:      "Completed spiral rounds by outcome.",
	}, []string{"outcome"})

	// RoundDuration observes end-to-end round latency.
	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "round_duration_seconds",
		Help:      "End-to-end spiral round duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// IndexFailures counts index queries that degraded to empty results.
	IndexFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "index_failures_total",
		Help:      "Index queries degraded to empty results, by index.",
	}, []string{"index"})

	// StopRules counts which termination rule ended a session.
	StopRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "stop_rules_total",
		Help:      "Sessions terminated, by stop rule (soft for soft scoring).",
	}, []string{"rule"})

	// ConvergenceScore observes per-round overall convergence.
	ConvergenceScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "convergence_score",
		Help:      "Per-round overall convergence.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	// Writebacks counts end-of-session writeback outcomes.
	Writebacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "writebacks_total",
		Help:      "Session writeback attempts by result (saved/skipped/deferred/failed).",
	}, []string{"result"})

	// CaseTransitions counts lifecycle state transitions.
	CaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "case_transitions_total",
		Help:      "Case lifecycle transitions by target status.",
	}, []string{"to"})

	// ActiveSessions gauges live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "spiral",
		Name:      "active_sessions",
		Help:      "Currently live spiral sessions.",
	})
)
