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

import (
	"sync"

	"github.com/pingcap-incubator/tinydso/pkg/worker"
	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Context is a committed transaction handed to the broadcast stage.
type Context struct {
	Txn       *core.ServerTransaction
	Watermark core.GlobalTransactionID
	// NotifiedWaiters are the lock waiters the transaction's notifies moved
	// to pending.
	NotifiedWaiters []core.LockContext
	// BackReferences are the objects the transaction made reachable; a
	// receiver that does not hold them yet has to look them up.
	BackReferences *core.ObjectIDSet
	// NewRoots are the applied root bindings, from both the transaction's
	// root map and its new root changes.
	NewRoots map[string]core.ObjectID
}

func (ctx *Context) newRoots() map[string]core.ObjectID {
	if ctx.NewRoots != nil {
		return ctx.NewRoots
	}
	return ctx.Txn.NewRoots
}

// Message is what one receiver gets for a transaction.
type Message struct {
	Receiver    core.NodeID              `json:"receiver"`
	Committer   core.NodeID              `json:"committer"`
	TxnID       core.TransactionID       `json:"txn_id"`
	GlobalTxnID core.GlobalTransactionID `json:"global_txn_id"`
	Type        core.TxnType             `json:"type"`
	LockIDs     []core.LockID            `json:"lock_ids"`
	Changes     []core.Change            `json:"changes"`
	NewRoots    map[string]core.ObjectID `json:"new_roots,omitempty"`
	Notified    []core.LockContext       `json:"notified,omitempty"`
	LookupIDs   []core.ObjectID          `json:"lookup_ids,omitempty"`
	Watermark   core.GlobalTransactionID `json:"watermark"`
}

// Sink delivers messages to receivers.
type Sink interface {
	Deliver(msg *Message) error
}

// Recorder is told who has to acknowledge a transaction before its
// committer is acknowledged.
type Recorder interface {
	AddWaitee(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID)
	AcknowledgeBroadcast(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID)
	BroadcastCompleted(committer core.NodeID, txnID core.TransactionID)
}

// Stage fans committed transactions out to the nodes that reference the
// changed objects. Contexts are handled in the order they were added.
type Stage struct {
	worker   *worker.Worker
	clients  *clientstate.Manager
	sink     Sink
	recorder Recorder
}

// NewStage creates a stage; Run must be called before Broadcast.
func NewStage(clients *clientstate.Manager, sink Sink, recorder Recorder, wg *sync.WaitGroup) *Stage {
	return &Stage{
		worker:   worker.NewWorker("broadcast", wg),
		clients:  clients,
		sink:     sink,
		recorder: recorder,
	}
}

// Run starts the delivery goroutine.
func (s *Stage) Run() {
	s.worker.Start(s)
}

// Close stops it after the queued contexts.
func (s *Stage) Close() {
	s.worker.Stop()
}

// Broadcast queues ctx.
func (s *Stage) Broadcast(ctx *Context) {
	s.worker.Schedule(ctx)
	pendingGauge.Set(float64(s.worker.Pending()))
}

// Pending returns the number of queued contexts.
func (s *Stage) Pending() int64 {
	return s.worker.Pending()
}

func (s *Stage) Handle(t worker.Task) {
	ctx, ok := t.(*Context)
	if !ok {
		log.Error("unexpected broadcast task", zap.Reflect("task", t))
		return
	}
	s.handle(ctx)
	pendingGauge.Set(float64(s.worker.Pending()))
}

func (s *Stage) receivers(ctx *Context) []core.NodeID {
	txn := ctx.Txn
	if len(ctx.newRoots()) > 0 {
		var nodes []core.NodeID
		for _, node := range s.clients.ConnectedNodes() {
			if node != txn.Source {
				nodes = append(nodes, node)
			}
		}
		return nodes
	}
	nodes := s.clients.NodesReferencing(txn.ObjectIDs(), txn.Source)
	seen := make(map[core.NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		seen[node] = struct{}{}
	}
	for _, w := range ctx.NotifiedWaiters {
		if _, ok := seen[w.Node]; !ok && w.Node != txn.Source && s.clients.IsConnected(w.Node) {
			seen[w.Node] = struct{}{}
			nodes = append(nodes, w.Node)
		}
	}
	return nodes
}

func (s *Stage) handle(ctx *Context) {
	txn := ctx.Txn
	roots := ctx.newRoots()
	if len(roots) == 0 {
		roots = nil
	}
	delivered := 0
	for _, node := range s.receivers(ctx) {
		lookup := core.NewObjectIDSet()
		changes := s.clients.PrunedChanges(node, txn, lookup)
		var notified []core.LockContext
		for _, w := range ctx.NotifiedWaiters {
			if w.Node == node {
				notified = append(notified, w)
			}
		}
		if len(changes) == 0 && len(notified) == 0 && roots == nil {
			continue
		}
		if ctx.BackReferences != nil {
			lookup.RetainAll(ctx.BackReferences)
		}
		msg := &Message{
			Receiver:    node,
			Committer:   txn.Source,
			TxnID:       txn.TxnID,
			GlobalTxnID: txn.GlobalTxnID,
			Type:        txn.Type,
			LockIDs:     txn.LockIDs,
			Changes:     changes,
			NewRoots:    roots,
			Notified:    notified,
			LookupIDs:   lookup.Slice(),
			Watermark:   ctx.Watermark,
		}
		s.recorder.AddWaitee(txn.Source, txn.TxnID, node)
		if err := s.sink.Deliver(msg); err != nil {
			log.Warn("broadcast delivery failed", zap.String("receiver", string(node)),
				zap.Stringer("txn", txn.ID()), zap.Error(err))
			deliveryCounter.WithLabelValues("err").Inc()
			s.recorder.AcknowledgeBroadcast(txn.Source, txn.TxnID, node)
			continue
		}
		deliveryCounter.WithLabelValues("ok").Inc()
		delivered++
		if len(msg.LookupIDs) > 0 {
			s.clients.AddReferences(node, msg.LookupIDs...)
		}
	}
	receiversHistogram.Observe(float64(delivered))
	s.recorder.BroadcastCompleted(txn.Source, txn.TxnID)
}
