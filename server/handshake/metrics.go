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

package handshake

import "github.com/prometheus/client_golang/prometheus"

var (
	handshakeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Counter of handshakes by result.",
		}, []string{"result"})

	evictedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "handshake",
			Name:      "evicted_clients_total",
			Help:      "Counter of clients evicted when the reconnect window elapsed.",
		})

	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dso",
			Subsystem: "handshake",
			Name:      "state",
			Help:      "Handshake manager state.",
		})
)

func init() {
	prometheus.MustRegister(handshakeCounter)
	prometheus.MustRegister(evictedCounter)
	prometheus.MustRegister(stateGauge)
}
