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

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinydso/pkg/typeutil"
)

// Info describes one finished cycle.
type Info struct {
	Iteration             uint64            `json:"iteration"`
	Full                  bool              `json:"full"`
	StartTime             time.Time         `json:"start-time"`
	MarkDuration          typeutil.Duration `json:"mark-duration"`
	PauseDuration         typeutil.Duration `json:"pause-duration"`
	DeleteDuration        typeutil.Duration `json:"delete-duration"`
	ElapsedTime           typeutil.Duration `json:"elapsed-time"`
	BeginObjectCount      int               `json:"begin-object-count"`
	CandidateGarbageCount int               `json:"candidate-garbage-count"`
	PreRescueCount        int               `json:"pre-rescue-count"`
	RescueCount           int               `json:"rescue-count"`
	ActualGarbageCount    int               `json:"actual-garbage-count"`
}

const defaultHistorySize = 64

// StatsHistory keeps the last cycles.
type StatsHistory struct {
	mu    sync.RWMutex
	size  int
	infos []*Info
}

func NewStatsHistory(size int) *StatsHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &StatsHistory{size: size}
}

func (h *StatsHistory) Add(info *Info) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.infos = append(h.infos, info)
	if len(h.infos) > h.size {
		h.infos = append([]*Info(nil), h.infos[len(h.infos)-h.size:]...)
	}
}

// Infos returns the kept cycles, oldest first.
func (h *StatsHistory) Infos() []*Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Info(nil), h.infos...)
}

// Last returns the latest cycle or nil.
func (h *StatsHistory) Last() *Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.infos) == 0 {
		return nil
	}
	return h.infos[len(h.infos)-1]
}

// Summary aggregates the kept cycles.
type Summary struct {
	Cycles        int               `json:"cycles"`
	FullCycles    int               `json:"full-cycles"`
	TotalGarbage  int               `json:"total-garbage"`
	MeanGarbage   float64           `json:"mean-garbage"`
	MeanElapsed   typeutil.Duration `json:"mean-elapsed"`
	MedianElapsed typeutil.Duration `json:"median-elapsed"`
	P99Elapsed    typeutil.Duration `json:"p99-elapsed"`
	MeanPause     typeutil.Duration `json:"mean-pause"`
}

func (h *StatsHistory) Summary() *Summary {
	infos := h.Infos()
	s := &Summary{Cycles: len(infos)}
	if len(infos) == 0 {
		return s
	}
	elapsed := make(stats.Float64Data, 0, len(infos))
	pauses := make(stats.Float64Data, 0, len(infos))
	garbage := make(stats.Float64Data, 0, len(infos))
	for _, info := range infos {
		if info.Full {
			s.FullCycles++
		}
		s.TotalGarbage += info.ActualGarbageCount
		elapsed = append(elapsed, float64(info.ElapsedTime.Duration))
		pauses = append(pauses, float64(info.PauseDuration.Duration+info.DeleteDuration.Duration))
		garbage = append(garbage, float64(info.ActualGarbageCount))
	}
	// the inputs are never empty here, so the errors are nil
	mean, _ := stats.Mean(elapsed)
	median, _ := stats.Median(elapsed)
	p99, _ := stats.Percentile(elapsed, 99)
	pause, _ := stats.Mean(pauses)
	s.MeanGarbage, _ = stats.Mean(garbage)
	s.MeanElapsed = typeutil.NewDuration(time.Duration(mean))
	s.MedianElapsed = typeutil.NewDuration(time.Duration(median))
	s.P99Elapsed = typeutil.NewDuration(time.Duration(p99))
	s.MeanPause = typeutil.NewDuration(time.Duration(pause))
	return s
}
