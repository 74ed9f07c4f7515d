// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for trim operations.
var (
	tracer = otel.Tracer("sift.graph")
	meter  = otel.Meter("sift.graph")
)

// Metrics for graph trimming operations.
var (
	trimLatency     metric.Float64Histogram
	trimTotal       metric.Int64Counter
	instancesCopied metric.Int64Histogram
	framesCopied    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		trimLatency, err = meter.Float64Histogram(
			"graph_trim_duration_seconds",
			metric.WithDescription("Duration of graph trim operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		trimTotal, err = meter.Int64Counter(
			"graph_trim_total",
			metric.WithDescription("Total number of graph trim operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		instancesCopied, err = meter.Int64Histogram(
			"graph_trim_instances_copied",
			metric.WithDescription("Issue instances copied per trim"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		framesCopied, err = meter.Int64Histogram(
			"graph_trim_frames_copied",
			metric.WithDescription("Trace frames copied per trim"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}
