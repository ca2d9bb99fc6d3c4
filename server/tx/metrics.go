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

package tx

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "processed_total",
			Help:      "Counter of processed transactions by result.",
		}, []string{"result"})

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "apply_duration_seconds",
			Help:      "Bucketed histogram of transaction apply and commit duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	commitSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "commit_bytes",
			Help:      "Bucketed histogram of persistence transaction sizes.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		})

	applyQueueGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "apply_queue",
			Help:      "Transactions waiting to be applied.",
		})

	watermarkGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "low_watermark",
			Help:      "The cluster low watermark.",
		})

	ackCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "txn",
			Name:      "acks_total",
			Help:      "Counter of transaction acknowledgements sent to committers.",
		})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(applyDuration)
	prometheus.MustRegister(commitSizeHistogram)
	prometheus.MustRegister(applyQueueGauge)
	prometheus.MustRegister(watermarkGauge)
	prometheus.MustRegister(ackCounter)
}
