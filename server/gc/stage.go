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
	"context"
	"time"

	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/load"
	"go.uber.org/zap"
)

// StageConfig drives periodic collection.
type StageConfig struct {
	// Interval between full cycles, zero disables them.
	Interval time.Duration
	// YoungGen enables young cycles every YoungInterval.
	YoungGen      bool
	YoungInterval time.Duration
	// MaxLoad defers periodic cycles while the one minute load average is
	// above it. Zero disables the check.
	MaxLoad float64
}

type trigger struct {
	full bool
	done chan *Info
}

// Stage runs the collector periodically and on demand.
type Stage struct {
	collector *Collector
	cfg       StageConfig
	triggerCh chan trigger
	loadAvg   func() (float64, error)
	ready     func() bool
}

func NewStage(collector *Collector, cfg StageConfig) *Stage {
	return &Stage{
		collector: collector,
		cfg:       cfg,
		triggerCh: make(chan trigger, 1),
		loadAvg:   systemLoad,
	}
}

func systemLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// SetReadyCheck makes cycles wait for ready. Until it reports true every
// cycle, periodic or triggered, is skipped.
func (s *Stage) SetReadyCheck(ready func() bool) {
	s.ready = ready
}

// Trigger asks for a cycle. It returns false if one is already queued.
func (s *Stage) Trigger(full bool) bool {
	select {
	case s.triggerCh <- trigger{full: full}:
		return true
	default:
		return false
	}
}

// TriggerAndWait queues a cycle and waits for it. The returned info is nil
// if the cycle did not run.
func (s *Stage) TriggerAndWait(ctx context.Context, full bool) (*Info, error) {
	t := trigger{full: full, done: make(chan *Info, 1)}
	select {
	case s.triggerCh <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case info := <-t.done:
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run blocks until ctx is done.
func (s *Stage) Run(ctx context.Context) {
	var fullC, youngC <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		fullC = ticker.C
	}
	if s.cfg.YoungGen && s.cfg.YoungInterval > 0 {
		ticker := time.NewTicker(s.cfg.YoungInterval)
		defer ticker.Stop()
		youngC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("gc stage is stopped")
			return
		case <-fullC:
			s.runPeriodic(ctx, true)
		case <-youngC:
			s.runPeriodic(ctx, false)
		case t := <-s.triggerCh:
			info := s.run(ctx, t.full)
			if t.done != nil {
				t.done <- info
			}
		}
	}
}

func (s *Stage) runPeriodic(ctx context.Context, full bool) {
	if s.overloaded() {
		skippedCounter.WithLabelValues("load").Inc()
		return
	}
	s.run(ctx, full)
}

func (s *Stage) overloaded() bool {
	if s.cfg.MaxLoad <= 0 {
		return false
	}
	l, err := s.loadAvg()
	if err != nil {
		log.Warn("read load average failed", zap.Error(err))
		return false
	}
	if l > s.cfg.MaxLoad {
		log.Info("gc deferred by load", zap.Float64("load", l), zap.Float64("max-load", s.cfg.MaxLoad))
		return true
	}
	return false
}

func (s *Stage) run(ctx context.Context, full bool) *Info {
	if s.ready != nil && !s.ready() {
		log.Info("gc skipped until all clients are back", zap.Bool("full", full))
		skippedCounter.WithLabelValues("starting").Inc()
		return nil
	}
	if !s.collector.IsEnabled() {
		skippedCounter.WithLabelValues("disabled").Inc()
		return nil
	}
	info, err := s.collector.GC(ctx, full)
	if err != nil {
		log.Error("garbage collection failed", zap.Bool("full", full), zap.Error(err))
		return nil
	}
	return info
}
