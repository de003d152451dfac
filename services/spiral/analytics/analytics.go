// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics streams per-round research metrics to InfluxDB.
//
// The sink is optional: a nil *Sink is valid and drops every point, so the
// engine never branches on whether analytics is configured.
package analytics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

// Sink writes round metrics as InfluxDB points, non-blocking.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPI
}

// NewSink connects a sink to an InfluxDB instance. The write path is the
// asynchronous batching API; Close flushes it.
func NewSink(url, token, org, bucket string) *Sink {
	client := influxdb2.NewClient(url, token)
	return &Sink{
		client: client,
		writer: client.WriteAPI(org, bucket),
	}
}

// RecordRound emits one point for a completed round. Safe on a nil sink.
func (s *Sink) RecordRound(sessionID string, round int, alpha float64, m datatypes.ConvergenceMetrics, stopped bool) {
	if s == nil {
		return
	}

	point := influxdb2.NewPointWithMeasurement("spiral_round").
		AddTag("session_id", sessionID).
		AddField("round", round).
		AddField("alpha", alpha).
		AddField("case_stability", m.CaseStability).
		AddField("score_improvement", m.ScoreImprovement).
		AddField("semantic_consistency", m.SemanticConsistency).
		AddField("evidence_coverage", m.EvidenceCoverage).
		AddField("overall_convergence", m.OverallConvergence).
		AddField("confidence", m.Confidence).
		AddField("stopped", stopped).
		SetTime(time.Now())

	s.writer.WritePoint(point)
}

// RecordWriteback emits one point for an end-of-session writeback decision.
// Safe on a nil sink.
func (s *Sink) RecordWriteback(sessionID, result, reason string) {
	if s == nil {
		return
	}

	point := influxdb2.NewPointWithMeasurement("spiral_writeback").
		AddTag("session_id", sessionID).
		AddTag("result", result).
		AddField("reason", reason).
		SetTime(time.Now())

	s.writer.WritePoint(point)
}

// Close flushes buffered points and releases the client. Safe on a nil
// sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.writer.Flush()
	s.client.Close()
}
