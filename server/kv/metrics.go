// Copyright 2016 PingCAP, Inc.
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

package kv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	writeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dso",
			Subsystem: "kv",
			Name:      "writes_count",
			Help:      "Counter of metadata writes.",
		}, []string{"type", "result"})

	writeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dso",
			Subsystem: "kv",
			Name:      "write_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of metadata writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(writeCounter)
	prometheus.MustRegister(writeDuration)
}

func observeWrite(typ string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "err"
	}
	writeCounter.WithLabelValues(typ, result).Inc()
	writeDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}
