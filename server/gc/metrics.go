// Copyright 2020 PingCAP, Inc.
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

package gc

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "state",
			Help:      "Current collector state.",
		})

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "phase_duration_seconds",
			Help:      "Bucketed histogram of cycle phase durations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		}, []string{"phase"})

	cycleObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "last_cycle_objects",
			Help:      "Object counts of the last cycle.",
		}, []string{"type"})

	cycleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "cycles_total",
			Help:      "Counter of finished cycles.",
		}, []string{"kind"})

	deletedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "deleted_objects_total",
			Help:      "Counter of deleted objects.",
		})

	deleteBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "delete_batch_duration_seconds",
			Help:      "Bucketed histogram of delete batch durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	skippedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "gc",
			Name:      "skipped_total",
			Help:      "Counter of gc cycles not run.",
		}, []string{"reason"})
)

func observeCycle(info *Info) {
	kind := "young"
	if info.Full {
		kind = "full"
	}
	cycleCounter.WithLabelValues(kind).Inc()
	cycleDuration.WithLabelValues("mark").Observe(info.MarkDuration.Seconds())
	cycleDuration.WithLabelValues("pause").Observe(info.PauseDuration.Seconds())
	cycleDuration.WithLabelValues("delete").Observe(info.DeleteDuration.Seconds())
	cycleObjects.WithLabelValues("begin").Set(float64(info.BeginObjectCount))
	cycleObjects.WithLabelValues("candidate").Set(float64(info.CandidateGarbageCount))
	cycleObjects.WithLabelValues("rescued").Set(float64(info.RescueCount))
	cycleObjects.WithLabelValues("garbage").Set(float64(info.ActualGarbageCount))
}

func init() {
	prometheus.MustRegister(stateGauge)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(cycleObjects)
	prometheus.MustRegister(cycleCounter)
	prometheus.MustRegister(deletedCounter)
	prometheus.MustRegister(deleteBatchDuration)
	prometheus.MustRegister(skippedCounter)
}
