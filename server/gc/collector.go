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
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydso/pkg/typeutil"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrDisabled is returned by GC while collection is disabled.
	ErrDisabled = errors.New("garbage collection is disabled")
	// ErrAlreadyRunning is returned by GC while another cycle runs.
	ErrAlreadyRunning = errors.New("garbage collection is already running")
)

// State is the phase of the running cycle.
type State int32

const (
	StateIdle State = iota
	StateMarking
	StatePauseRequested
	StatePaused
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMarking:
		return "marking"
	case StatePauseRequested:
		return "pause-requested"
	case StatePaused:
		return "paused"
	case StateDeleting:
		return "deleting"
	}
	return "unknown"
}

// TxnGate pauses transaction application. *tx.Manager is one.
type TxnGate interface {
	RequestGCPause()
	BlockUntilReadyToGC(ctx context.Context) error
	ResumeAfterGC()
}

// ObjectGraph is read by the mark phase. *objects.Arena is one.
type ObjectGraph interface {
	RootIDs() []core.ObjectID
	AllObjectIDs() *core.ObjectIDSet
	References(id core.ObjectID) ([]core.ObjectID, error)
}

// ClientReferences are the ids held by connected clients.
// *clientstate.Manager is one.
type ClientReferences interface {
	AllReferencedIDs() *core.ObjectIDSet
}

// Disposer deletes confirmed garbage and returns how many ids it deleted.
type Disposer interface {
	Dispose(ctx context.Context, garbage *core.ObjectIDSet) (int, error)
}

// Filter selects the ids a cycle may collect.
type Filter func(id core.ObjectID) bool

// Collector is the cluster garbage collector. A cycle marks from the
// persistent roots and every client reference, pauses transaction
// application, rescues candidates that gained a reference meanwhile and
// deletes the rest in batches.
type Collector struct {
	graph    ObjectGraph
	clients  ClientReferences
	gate     TxnGate
	disposer Disposer
	storage  *core.Storage
	history  *StatsHistory

	state   *atomic.Int32
	enabled *atomic.Bool
	running *atomic.Int32

	mu         sync.Mutex
	monitoring bool
	rescued    *core.ObjectIDSet
	young      *core.ObjectIDSet
	iteration  uint64
}

// NewCollector creates an enabled collector. storage keeps the iteration
// count across restarts and may be nil.
func NewCollector(graph ObjectGraph, clients ClientReferences, gate TxnGate, disposer Disposer, storage *core.Storage, historySize int) (*Collector, error) {
	c := &Collector{
		graph:    graph,
		clients:  clients,
		gate:     gate,
		disposer: disposer,
		storage:  storage,
		history:  NewStatsHistory(historySize),
		state:    atomic.NewInt32(int32(StateIdle)),
		enabled:  atomic.NewBool(true),
		running:  atomic.NewInt32(0),
		rescued:  core.NewObjectIDSet(),
		young:    core.NewObjectIDSet(),
	}
	if storage != nil {
		iteration, err := storage.LoadGCIteration()
		if err != nil {
			return nil, err
		}
		c.iteration = iteration
	}
	return c, nil
}

func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
	stateGauge.Set(float64(s))
}

func (c *Collector) EnableGC() {
	c.enabled.Store(true)
	log.Info("garbage collection enabled")
}

func (c *Collector) DisableGC() {
	c.enabled.Store(false)
	log.Info("garbage collection disabled")
}

func (c *Collector) IsEnabled() bool {
	return c.enabled.Load()
}

func (c *Collector) IsRunning() bool {
	return c.running.Load() == 1
}

// History returns the finished cycles.
func (c *Collector) History() *StatsHistory {
	return c.history
}

// Iteration returns the number of the last finished cycle.
func (c *Collector) Iteration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// Changed records a reference added while a cycle runs so the rescue pass
// keeps its target.
func (c *Collector) Changed(obj, oldRef, newRef core.ObjectID) {
	if newRef.IsNull() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitoring {
		c.rescued.Add(newRef)
	}
}

// NotifyNewObjectInitialized adds just created objects to the young
// generation. During a cycle they are also rescued.
func (c *Collector) NotifyNewObjectInitialized(ids *core.ObjectIDSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.young.AddAll(ids)
	if c.monitoring {
		c.rescued.AddAll(ids)
	}
}

// NotifyObjectsEvicted takes ids out of the young generation.
func (c *Collector) NotifyObjectsEvicted(ids []core.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.young.Remove(id)
	}
}

// YoungCount returns the size of the young generation.
func (c *Collector) YoungCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.young.Len()
}

func (c *Collector) startMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitoring = true
	c.rescued = core.NewObjectIDSet()
}

func (c *Collector) stopMonitoring() *core.ObjectIDSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitoring = false
	rescued := c.rescued
	c.rescued = core.NewObjectIDSet()
	return rescued
}

// Collect returns the ids of managed accepted by filter that are not
// reachable from roots. The traversal is iterative.
func (c *Collector) Collect(filter Filter, roots []core.ObjectID, managed *core.ObjectIDSet) (*core.ObjectIDSet, error) {
	candidates := core.NewObjectIDSet()
	managed.Ascend(func(id core.ObjectID) bool {
		if filter == nil || filter(id) {
			candidates.Add(id)
		}
		return true
	})
	visited := core.NewObjectIDSet()
	stack := append([]core.ObjectID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id.IsNull() || !visited.Add(id) {
			continue
		}
		candidates.Remove(id)
		refs, err := c.graph.References(id)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if !visited.Contains(ref) {
				stack = append(stack, ref)
			}
		}
	}
	return candidates, nil
}

// rescue removes from candidates every id reachable from roots through
// candidates only; the rest of the graph was marked live already.
func (c *Collector) rescue(candidates *core.ObjectIDSet, roots *core.ObjectIDSet) (int, error) {
	stack := roots.Slice()
	rescued := 0
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !candidates.Remove(id) {
			continue
		}
		rescued++
		refs, err := c.graph.References(id)
		if err != nil {
			return rescued, err
		}
		stack = append(stack, refs...)
	}
	return rescued, nil
}

// DeleteGarbage deletes the confirmed garbage of a paused cycle and resumes
// transaction application after the last batch.
func (c *Collector) DeleteGarbage(ctx context.Context, garbage *core.ObjectIDSet) (int, error) {
	c.setState(StateDeleting)
	defer c.gate.ResumeAfterGC()
	return c.disposer.Dispose(ctx, garbage)
}

// GC runs one cycle. A young cycle only collects objects created since the
// previous full cycle.
func (c *Collector) GC(ctx context.Context, full bool) (*Info, error) {
	if !c.IsEnabled() {
		return nil, ErrDisabled
	}
	if !c.running.CAS(0, 1) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(0)
	defer c.setState(StateIdle)

	c.mu.Lock()
	info := &Info{Iteration: c.iteration + 1, Full: full, StartTime: time.Now()}
	youngAtStart := c.young.Clone()
	c.mu.Unlock()

	c.startMonitoring()
	c.setState(StateMarking)
	managed := c.graph.AllObjectIDs()
	info.BeginObjectCount = managed.Len()
	var filter Filter
	if !full {
		filter = youngAtStart.Contains
	}
	roots := append(c.graph.RootIDs(), c.clients.AllReferencedIDs().Slice()...)
	candidates, err := c.Collect(filter, roots, managed)
	if err != nil {
		c.stopMonitoring()
		return nil, errors.WithMessage(err, "mark")
	}
	info.CandidateGarbageCount = candidates.Len()
	markEnd := time.Now()
	info.MarkDuration = typeutil.NewDuration(markEnd.Sub(info.StartTime))

	c.setState(StatePauseRequested)
	c.gate.RequestGCPause()
	if err := c.gate.BlockUntilReadyToGC(ctx); err != nil {
		c.gate.ResumeAfterGC()
		c.stopMonitoring()
		return nil, errors.WithMessage(err, "pause")
	}
	c.setState(StatePaused)
	pauseStart := time.Now()
	info.PauseDuration = typeutil.NewDuration(pauseStart.Sub(markEnd))

	info.PreRescueCount = candidates.Len()
	rescueRoots := c.stopMonitoring()
	rescueRoots.AddAll(c.clients.AllReferencedIDs())
	rescued, err := c.rescue(candidates, rescueRoots)
	if err != nil {
		c.gate.ResumeAfterGC()
		return nil, errors.WithMessage(err, "rescue")
	}
	info.RescueCount = rescued

	failpoint.Inject("beforeDeleteGarbage", func() {
		c.gate.ResumeAfterGC()
		failpoint.Return(nil, errors.New("injected before delete"))
	})
	deleted, err := c.DeleteGarbage(ctx, candidates)
	info.ActualGarbageCount = deleted
	info.DeleteDuration = typeutil.NewDuration(time.Since(pauseStart))
	info.ElapsedTime = typeutil.NewDuration(time.Since(info.StartTime))
	if err != nil {
		return info, errors.WithMessage(err, "delete")
	}

	c.mu.Lock()
	if full {
		c.young.RemoveAll(youngAtStart)
	}
	c.young.RemoveAll(candidates)
	c.iteration = info.Iteration
	c.mu.Unlock()
	if c.storage != nil {
		if err := c.storage.SaveGCIteration(info.Iteration); err != nil {
			log.Warn("save gc iteration failed", zap.Error(err))
		}
	}
	c.history.Add(info)
	observeCycle(info)
	log.Info("garbage collection finished",
		zap.Uint64("iteration", info.Iteration),
		zap.Bool("full", full),
		zap.Int("objects", info.BeginObjectCount),
		zap.Int("candidates", info.CandidateGarbageCount),
		zap.Int("rescued", info.RescueCount),
		zap.Int("deleted", info.ActualGarbageCount),
		zap.Duration("elapsed", info.ElapsedTime.Duration))
	return info, nil
}
