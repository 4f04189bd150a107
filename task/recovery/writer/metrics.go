// Copyright 2024 driftflow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package writer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "driftflow",
			Subsystem: "replaylog",
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing one batch of log records.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})
	bytesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftflow",
			Subsystem: "replaylog",
			Name:      "appended_bytes_total",
			Help:      "Total bytes appended to the replay log.",
		})
	recordsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftflow",
			Subsystem: "replaylog",
			Name:      "appended_records_total",
			Help:      "Total records appended to the replay log.",
		})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(flushDuration)
	registry.MustRegister(bytesAppended)
	registry.MustRegister(recordsAppended)
}
