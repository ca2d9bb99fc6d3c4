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

package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Counter of transaction deliveries to receivers.",
		}, []string{"result"})

	receiversHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "broadcast",
			Name:      "receivers",
			Help:      "Bucketed histogram of receivers per transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "broadcast",
			Name:      "pending",
			Help:      "Transactions waiting to be broadcast.",
		})
)

func init() {
	prometheus.MustRegister(deliveryCounter)
	prometheus.MustRegister(receiversHistogram)
	prometheus.MustRegister(pendingGauge)
}
