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

package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "lock",
			Name:      "requests_total",
			Help:      "Counter of lock requests by immediate outcome.",
		}, []string{"status"})

	responseCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "lock",
			Name:      "responses_total",
			Help:      "Counter of lock responses sent to clients.",
		}, []string{"kind"})

	waitTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "lock",
			Name:      "wait_timeouts_total",
			Help:      "Counter of waits that timed out.",
		})
)

func init() {
	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(responseCounter)
	prometheus.MustRegister(waitTimeoutCounter)
}
