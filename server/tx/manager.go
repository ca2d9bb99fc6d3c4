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

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydso/pkg/worker"
	"github.com/pingcap-incubator/tinydso/server/broadcast"
	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/objects"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errNoPauseRequested = errors.New("no GC pause requested")

// Ack acknowledges a transaction to its committer.
type Ack struct {
	Committer core.NodeID        `json:"committer"`
	TxnID     core.TransactionID `json:"txn_id"`
}

// AckSink delivers acknowledgements.
type AckSink interface {
	SendAck(ack *Ack)
}

// SessionCloser terminates the session of a client whose transaction can
// never be applied.
type SessionCloser interface {
	CloseSession(node core.NodeID, err error)
}

// Broadcaster takes committed transactions. *broadcast.Stage is one.
type Broadcaster interface {
	Broadcast(ctx *broadcast.Context)
}

// LockNotifier wakes lock waiters. *lock.Manager is one.
type LockNotifier interface {
	Notify(lockID core.LockID, node core.NodeID, thread core.ThreadID, all bool) ([]core.LockContext, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Arena   *objects.Arena
	Clients *clientstate.Manager
	GIDs    GIDAllocator
	Locks   LockNotifier
	Acks    AckSink
	Closer  SessionCloser
}

// Manager applies client transactions to the object graph in global id
// order and owns the low watermark.
type Manager struct {
	deps  Deps
	store *store

	mu          sync.Mutex
	started     bool
	accounts    map[core.NodeID]*account
	pendingAcks []*Ack
	failed      map[core.NodeID]struct{}
	broadcaster Broadcaster

	watermark *atomic.Uint64
	gate      *pauseGate
	sequencer *Sequencer
	worker    *worker.Worker
}

// NewManager loads the global transaction store from the arena's persistor.
func NewManager(deps Deps, wg *sync.WaitGroup) (*Manager, error) {
	s, err := loadStore(deps.Arena.Persistor())
	if err != nil {
		return nil, err
	}
	m := &Manager{
		deps:      deps,
		store:     s,
		accounts:  make(map[core.NodeID]*account),
		failed:    make(map[core.NodeID]struct{}),
		watermark: atomic.NewUint64(0),
		gate:      newPauseGate(),
		worker:    worker.NewWorker("txn-apply", wg),
	}
	m.sequencer = NewSequencer(s.lookupGID)
	m.advanceWatermark()
	log.Info("transaction store loaded", zap.Int("descriptors", s.len()),
		zap.Uint64("low-watermark", m.watermark.Load()))
	return m, nil
}

// SetBroadcaster installs the stage committed transactions go to.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

// Run starts the apply stage.
func (m *Manager) Run() {
	m.worker.Start(m)
}

// Close stops the apply stage after the queued transactions.
func (m *Manager) Close() {
	m.worker.Stop()
}

func (m *Manager) Sequencer() *Sequencer {
	return m.sequencer
}

// AddTransactions queues incoming transactions for the apply stage.
func (m *Manager) AddTransactions(txns ...*core.ServerTransaction) {
	m.schedule(m.sequencer.Add(txns...))
}

func (m *Manager) schedule(txns []*core.ServerTransaction) {
	for _, txn := range txns {
		m.worker.Schedule(txn)
	}
	applyQueueGauge.Set(float64(m.worker.Pending()))
}

// SetResentTransactionIDs records the transactions a reconnecting node
// will resend.
func (m *Manager) SetResentTransactionIDs(node core.NodeID, ids []core.TransactionID) {
	m.sequencer.SetResentIDs(node, ids)
}

func (m *Manager) Handle(t worker.Task) {
	txn, ok := t.(*core.ServerTransaction)
	if !ok {
		log.Error("unexpected apply task", zap.Reflect("task", t))
		return
	}
	m.process(txn)
	applyQueueGauge.Set(float64(m.worker.Pending()))
}

func (m *Manager) process(txn *core.ServerTransaction) {
	m.gate.enter()
	defer m.gate.exit()

	start := time.Now()
	id := txn.ID()
	if m.isFailed(txn.Source) {
		log.Debug("drop transaction of a failed session", zap.Stringer("txn", id))
		return
	}
	gid, err := m.store.getOrCreate(id, m.deps.GIDs)
	if err != nil {
		// the gid allocator is halted; nothing can be applied any more
		log.Error("cannot assign global transaction id", zap.Stringer("txn", id), zap.Error(err))
		m.failSession(txn.Source, err)
		return
	}
	txn.GlobalTxnID = gid
	if !txn.LowWatermark.IsNull() {
		m.SetLowWatermark(txn.LowWatermark, txn.Source)
	}
	if !m.StartApply(txn.Source, txn.TxnID, gid, txn.Source) {
		m.SkipApplyAndCommit(txn)
		txnCounter.WithLabelValues("skipped").Inc()
		return
	}
	result, err := m.Apply(txn)
	if err != nil {
		m.store.forget(id)
		if _, ok := err.(*core.MissingTypeError); ok {
			log.Error("transaction needs an unknown type", zap.Stringer("txn", id), zap.Error(err))
		} else {
			log.Error("apply transaction failed", zap.Stringer("txn", id), zap.Error(err))
		}
		m.failSession(txn.Source, err)
		txnCounter.WithLabelValues("failed").Inc()
		return
	}
	if err := m.Commit(result); err != nil {
		m.store.forget(id)
		log.Error("commit transaction failed", zap.Stringer("txn", id), zap.Error(err))
		m.failSession(txn.Source, err)
		txnCounter.WithLabelValues("failed").Inc()
		return
	}
	m.advanceWatermark()
	m.broadcast(result, m.notify(txn))
	txnCounter.WithLabelValues("applied").Inc()
	applyDuration.Observe(time.Since(start).Seconds())
}

// StartApply reports whether the transaction still has to be applied. It
// is false for transactions that were applied before a reconnect.
func (m *Manager) StartApply(committer core.NodeID, txnID core.TransactionID, gid core.GlobalTransactionID, source core.NodeID) bool {
	id := core.ServerTransactionID{Node: committer, TxnID: txnID}
	if !m.store.initiateApply(id) {
		log.Debug("transaction already applied", zap.Stringer("txn", id), zap.String("source", string(source)))
		return false
	}
	m.mu.Lock()
	m.accountOf(committer).broadcastStarted(txnID)
	m.mu.Unlock()
	return true
}

// Commit makes an applied transaction durable and visible: object states,
// roots and the transaction descriptor are written in one persistence
// transaction.
func (m *Manager) Commit(result *ApplyResult) error {
	txn := result.Txn
	p := m.deps.Arena.Persistor()
	ptx := p.NewTransaction()
	for _, state := range result.States {
		if err := p.SaveObject(ptx, state); err != nil {
			return err
		}
	}
	for name, id := range result.NewRoots {
		if err := p.AddRoot(ptx, name, id); err != nil {
			return err
		}
	}
	desc := &core.GlobalTransactionDescriptor{ID: txn.ID(), GlobalTxnID: txn.GlobalTxnID, State: core.TxnCommitted}
	if err := p.SaveTxnDescriptor(ptx, desc); err != nil {
		return err
	}
	deletes := m.store.takeDeletes()
	if err := p.DeleteTxnDescriptors(ptx, deletes); err != nil {
		m.store.restoreDeletes(deletes)
		return err
	}
	if err := ptx.Commit(); err != nil {
		m.store.restoreDeletes(deletes)
		return err
	}
	commitSizeHistogram.Observe(float64(ptx.Size()))

	m.deps.Arena.Install(result.States, result.Created, result.NewRoots)
	m.store.setState(txn.ID(), core.TxnCommitted)
	if !result.Created.IsEmpty() {
		m.deps.Clients.AddReferences(txn.Source, result.Created.Slice()...)
	}
	return nil
}

// SkipApplyAndCommit acknowledges a transaction that was already applied
// without mutating anything.
func (m *Manager) SkipApplyAndCommit(txn *core.ServerTransaction) {
	m.mu.Lock()
	acks := m.newAckLocked(txn.Source, txn.TxnID)
	m.mu.Unlock()
	m.sendAcks(acks)
}

func (m *Manager) notify(txn *core.ServerTransaction) []core.LockContext {
	var notified []core.LockContext
	for _, n := range txn.Notifies {
		ctxs, err := m.deps.Locks.Notify(n.LockID, n.Node, n.Thread, n.All)
		if err != nil {
			log.Warn("notify failed", zap.Stringer("txn", txn.ID()), zap.String("lock", string(n.LockID)), zap.Error(err))
			continue
		}
		notified = append(notified, ctxs...)
	}
	return notified
}

func (m *Manager) broadcast(result *ApplyResult, notified []core.LockContext) {
	m.mu.Lock()
	b := m.broadcaster
	m.mu.Unlock()
	if b == nil {
		m.BroadcastCompleted(result.Txn.Source, result.Txn.TxnID)
		return
	}
	b.Broadcast(&broadcast.Context{
		Txn:             result.Txn,
		Watermark:       m.LowWatermark(),
		NotifiedWaiters: notified,
		BackReferences:  result.BackReferences,
		NewRoots:        result.NewRoots,
	})
}

// SetLowWatermark records the claim of source that it will never resend a
// transaction older than gid. Committed descriptors below the claim are
// dropped.
func (m *Manager) SetLowWatermark(gid core.GlobalTransactionID, source core.NodeID) {
	m.mu.Lock()
	moved := m.accountOf(source).setLowWatermark(gid)
	m.mu.Unlock()
	if !moved {
		return
	}
	if n := m.store.clearCommittedBelow(source, gid); n > 0 {
		log.Debug("cleared committed transactions", zap.String("node", string(source)), zap.Int("count", n))
	}
	m.advanceWatermark()
}

// advanceWatermark recomputes the least gid any client may still resend and
// publishes it if it moved forward.
func (m *Manager) advanceWatermark() {
	least := m.store.leastGID()
	m.mu.Lock()
	for _, a := range m.accounts {
		if a.lowWatermark.LessThan(least) {
			least = a.lowWatermark
		}
	}
	m.mu.Unlock()
	if least.IsNull() {
		return
	}
	for {
		cur := m.watermark.Load()
		if uint64(least) <= cur {
			return
		}
		if m.watermark.CAS(cur, uint64(least)) {
			watermarkGauge.Set(float64(least))
			return
		}
	}
}

// LowWatermark returns the cluster low watermark.
func (m *Manager) LowWatermark() core.GlobalTransactionID {
	return core.GlobalTransactionID(m.watermark.Load())
}

// Start leaves the startup state. Only the accounts of cids survive;
// acknowledgements held back during startup are sent and the sequencer
// releases the resent transactions.
func (m *Manager) Start(cids []core.NodeID) {
	keep := make(map[core.NodeID]struct{}, len(cids))
	for _, node := range cids {
		keep[node] = struct{}{}
	}
	m.mu.Lock()
	m.started = true
	var evicted []core.NodeID
	for node := range m.accounts {
		if _, ok := keep[node]; !ok {
			evicted = append(evicted, node)
		}
	}
	var acks []*Ack
	for _, ack := range m.pendingAcks {
		if _, ok := keep[ack.Committer]; ok {
			acks = append(acks, ack)
		}
	}
	m.pendingAcks = nil
	m.mu.Unlock()

	for _, node := range evicted {
		m.ShutdownNode(node)
	}
	m.sendAcks(acks)
	m.schedule(m.sequencer.Start(func(node core.NodeID) bool {
		_, ok := keep[node]
		return ok
	}))
	if err := m.store.flushDeletes(); err != nil {
		log.Warn("flush transaction descriptors failed", zap.Error(err))
	}
	log.Info("transaction manager started", zap.Int("clients", len(cids)), zap.Int("evicted", len(evicted)),
		zap.Int("resent-acks", len(acks)))
}

// ShutdownAllClientsExcept shuts down every account not in cids.
func (m *Manager) ShutdownAllClientsExcept(cids []core.NodeID) {
	keep := make(map[core.NodeID]struct{}, len(cids))
	for _, node := range cids {
		keep[node] = struct{}{}
	}
	m.mu.Lock()
	var nodes []core.NodeID
	for node := range m.accounts {
		if _, ok := keep[node]; !ok {
			nodes = append(nodes, node)
		}
	}
	m.mu.Unlock()
	for _, node := range nodes {
		m.ShutdownNode(node)
	}
}

// StartupNode registers a node connecting in steady state.
func (m *Manager) StartupNode(node core.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, node)
	m.accountOf(node)
}

// ShutdownNode forgets a disconnected node: its account, its references,
// its descriptors and every acknowledgement others were waiting on from it.
func (m *Manager) ShutdownNode(node core.NodeID) {
	m.mu.Lock()
	delete(m.accounts, node)
	var acks []*Ack
	for _, a := range m.accounts {
		for _, txnID := range a.removeAllWaitee(node) {
			acks = append(acks, m.newAckLocked(a.node, txnID)...)
		}
	}
	m.mu.Unlock()

	m.sendAcks(acks)
	m.deps.Clients.ShutdownNode(node)
	m.schedule(m.sequencer.RemoveNode(node))
	if n := m.store.removeNode(node); n > 0 {
		if err := m.store.flushDeletes(); err != nil {
			log.Warn("flush transaction descriptors failed", zap.String("node", string(node)), zap.Error(err))
		}
	}
	m.advanceWatermark()
	log.Info("transaction account removed", zap.String("node", string(node)))
}

// AddWaitee records that waitee has to acknowledge the transaction.
func (m *Manager) AddWaitee(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[committer]; ok {
		a.addWaitee(txnID, waitee)
	}
}

// AcknowledgeBroadcast records that waitee applied the transaction.
func (m *Manager) AcknowledgeBroadcast(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID) {
	m.mu.Lock()
	var acks []*Ack
	if a, ok := m.accounts[committer]; ok && a.removeWaitee(txnID, waitee) {
		acks = m.newAckLocked(committer, txnID)
	}
	m.mu.Unlock()
	m.sendAcks(acks)
}

// BroadcastCompleted records that every receiver was sent the transaction.
func (m *Manager) BroadcastCompleted(committer core.NodeID, txnID core.TransactionID) {
	m.mu.Lock()
	var acks []*Ack
	if a, ok := m.accounts[committer]; ok && a.broadcastCompleted(txnID) {
		acks = m.newAckLocked(committer, txnID)
	}
	m.mu.Unlock()
	m.sendAcks(acks)
}

// RequestGCPause stops new transactions from being applied.
func (m *Manager) RequestGCPause() {
	m.gate.requestPause()
	log.Debug("GC pause requested")
}

// BlockUntilReadyToGC returns once every transaction in flight when the
// pause was requested has committed.
func (m *Manager) BlockUntilReadyToGC(ctx context.Context) error {
	return m.gate.waitReady(ctx)
}

// IsPaused reports whether application is paused for the collector.
func (m *Manager) IsPaused() bool {
	return m.gate.isPaused()
}

// ResumeAfterGC lets transaction application continue.
func (m *Manager) ResumeAfterGC() {
	m.gate.resume()
	log.Debug("transaction application resumed")
}

// InFlight returns the number of transactions being applied.
func (m *Manager) InFlight() int64 {
	return m.gate.inFlight.Load()
}

// Accounts returns the nodes with a transaction account.
func (m *Manager) Accounts() []core.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]core.NodeID, 0, len(m.accounts))
	for node := range m.accounts {
		nodes = append(nodes, node)
	}
	return nodes
}

func (m *Manager) accountOf(node core.NodeID) *account {
	a, ok := m.accounts[node]
	if !ok {
		a = newAccount(node)
		m.accounts[node] = a
	}
	return a
}

// newAckLocked returns the ack to send now, or holds it until Start.
func (m *Manager) newAckLocked(node core.NodeID, txnID core.TransactionID) []*Ack {
	ack := &Ack{Committer: node, TxnID: txnID}
	if !m.started {
		m.pendingAcks = append(m.pendingAcks, ack)
		return nil
	}
	return []*Ack{ack}
}

func (m *Manager) sendAcks(acks []*Ack) {
	for _, ack := range acks {
		ackCounter.Inc()
		m.deps.Acks.SendAck(ack)
	}
}

func (m *Manager) isFailed(node core.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[node]
	return ok
}

func (m *Manager) failSession(node core.NodeID, err error) {
	m.mu.Lock()
	m.failed[node] = struct{}{}
	m.mu.Unlock()
	if m.deps.Closer != nil {
		m.deps.Closer.CloseSession(node, err)
	}
}
