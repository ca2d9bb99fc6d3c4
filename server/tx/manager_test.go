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
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydso/server/broadcast"
	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/idgen"
	"github.com/pingcap-incubator/tinydso/server/kv"
	"github.com/pingcap-incubator/tinydso/server/lock"
	"github.com/pingcap-incubator/tinydso/server/objects"
	"github.com/pingcap-incubator/tinydso/server/persistence"
	. "github.com/pingcap/check"
)

func TestTx(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testManagerSuite{})

type testManagerSuite struct{}

type ackChan chan *Ack

func (ch ackChan) SendAck(ack *Ack) { ch <- ack }

type recordCloser struct {
	sync.Mutex
	closed map[core.NodeID]error
}

func (r *recordCloser) CloseSession(node core.NodeID, err error) {
	r.Lock()
	defer r.Unlock()
	r.closed[node] = err
}

func (r *recordCloser) get(node core.NodeID) error {
	r.Lock()
	defer r.Unlock()
	return r.closed[node]
}

type testEnv struct {
	m         *Manager
	persistor persistence.Persistor
	arena     *objects.Arena
	clients   *clientstate.Manager
	locks     *lock.Manager
	acks      ackChan
	closer    *recordCloser
	wg        sync.WaitGroup
}

func newTestEnv(c *C, p persistence.Persistor) *testEnv {
	e := &testEnv{
		persistor: p,
		clients:   clientstate.NewManager(),
		acks:      make(ackChan, 1024),
		closer:    &recordCloser{closed: make(map[core.NodeID]error)},
	}
	var err error
	e.arena, err = objects.NewArena(p)
	c.Assert(err, IsNil)
	gids, err := idgen.NewSequence(idgen.GlobalTxnIDSequence, core.NewStorage(kv.NewMemoryKV()), 100)
	c.Assert(err, IsNil)
	e.locks = lock.NewManager(lock.SinkFunc(func(*lock.Response) {}), 4)
	e.locks.Start()
	e.m, err = NewManager(Deps{
		Arena:   e.arena,
		Clients: e.clients,
		GIDs:    gids,
		Locks:   e.locks,
		Acks:    e.acks,
		Closer:  e.closer,
	}, &e.wg)
	c.Assert(err, IsNil)
	e.m.Run()
	return e
}

func newStartedEnv(c *C, nodes ...core.NodeID) *testEnv {
	e := newTestEnv(c, persistence.NewMemoryPersistor())
	e.m.Start(nodes)
	return e
}

func (e *testEnv) stop() {
	e.m.Close()
	e.wg.Wait()
	e.locks.Stop()
}

func (e *testEnv) takeAck(c *C) *Ack {
	select {
	case ack := <-e.acks:
		return ack
	case <-time.After(2 * time.Second):
		c.Fatal("no ack")
	}
	return nil
}

func (e *testEnv) noAck(c *C) {
	select {
	case ack := <-e.acks:
		c.Fatalf("unexpected ack %v", ack)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTxn(node core.NodeID, id core.TransactionID, changes ...core.Change) *core.ServerTransaction {
	return &core.ServerTransaction{Source: node, TxnID: id, Type: core.ConcurrentTxn, Changes: changes}
}

func create(id core.ObjectID, field, value string) core.Change {
	ch := core.FieldSet(id, field, core.LiteralValue([]byte(value)))
	ch.IsNew = true
	ch.TypeName = "Node"
	return ch
}

func set(id core.ObjectID, field, value string) core.Change {
	return core.FieldSet(id, field, core.LiteralValue([]byte(value)))
}

func (s *testManagerSuite) TestApplyAndAck(c *C) {
	e := newStartedEnv(c, "n1")
	defer e.stop()

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a"), core.FieldSet(1, "next", core.RefValue(2)), create(2, "v", "b"), core.NewRoot("root", 1)))
	ack := e.takeAck(c)
	c.Assert(*ack, Equals, Ack{Committer: "n1", TxnID: 1})

	state, err := e.arena.Lookup(1)
	c.Assert(err, IsNil)
	c.Assert(state.Version, Equals, core.GlobalTransactionID(1))
	c.Assert(string(state.Fields["v"].Data), Equals, "a")
	refs, err := e.arena.References(1)
	c.Assert(err, IsNil)
	c.Assert(refs, DeepEquals, []core.ObjectID{2})
	c.Assert(e.arena.Roots(), DeepEquals, map[string]core.ObjectID{"root": 1})
	c.Assert(e.clients.References("n1").Slice(), DeepEquals, []core.ObjectID{1, 2})

	persisted, err := e.persistor.LoadObjectByID(2)
	c.Assert(err, IsNil)
	c.Assert(string(persisted.Fields["v"].Data), Equals, "b")
	ds, err := e.persistor.LoadTxnDescriptors()
	c.Assert(err, IsNil)
	c.Assert(ds, HasLen, 1)
	c.Assert(ds[0].State, Equals, core.TxnCommitted)
	c.Assert(ds[0].ID, Equals, core.ServerTransactionID{Node: "n1", TxnID: 1})
}

func (s *testManagerSuite) TestResendIsNotReapplied(c *C) {
	e := newStartedEnv(c, "n1")
	defer e.stop()

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	e.takeAck(c)
	e.m.AddTransactions(newTxn("n1", 1, set(1, "v", "b")))
	ack := e.takeAck(c)
	c.Assert(ack.TxnID, Equals, core.TransactionID(1))

	state, err := e.arena.Lookup(1)
	c.Assert(err, IsNil)
	c.Assert(string(state.Fields["v"].Data), Equals, "a")
	c.Assert(state.Version, Equals, core.GlobalTransactionID(1))
	c.Assert(e.m.store.len(), Equals, 1)
	c.Assert(e.m.StartApply("n1", 1, 1, "n1"), IsFalse)
}

func (s *testManagerSuite) TestGlobalOrder(c *C) {
	e := newStartedEnv(c, "n0", "n1", "n2")
	defer e.stop()

	e.m.AddTransactions(newTxn("n0", 1, create(1, "v", "init")))
	e.takeAck(c)

	const perNode = 50
	var all []*core.ServerTransaction
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, node := range []core.NodeID{"n1", "n2"} {
		wg.Add(1)
		go func(node core.NodeID) {
			defer wg.Done()
			for i := 1; i <= perNode; i++ {
				txn := newTxn(node, core.TransactionID(i), set(1, "v", fmt.Sprintf("%s-%d", node, i)))
				mu.Lock()
				all = append(all, txn)
				mu.Unlock()
				e.m.AddTransactions(txn)
			}
		}(node)
	}
	wg.Wait()
	for i := 0; i < 2*perNode; i++ {
		e.takeAck(c)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].GlobalTxnID < all[j].GlobalTxnID })
	for i, txn := range all {
		c.Assert(txn.GlobalTxnID, Equals, core.GlobalTransactionID(i+2))
	}
	last := all[len(all)-1]
	state, err := e.arena.Lookup(1)
	c.Assert(err, IsNil)
	c.Assert(state.Version, Equals, last.GlobalTxnID)
	c.Assert(state.Fields["v"].Data, DeepEquals, last.Changes[0].Value.Data)
}

func (s *testManagerSuite) TestStaleChangesAreSkipped(c *C) {
	e := newStartedEnv(c, "n1")
	defer e.stop()

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	e.takeAck(c)
	txn := newTxn("n2", 1, set(1, "v", "old"))
	txn.GlobalTxnID = 1
	result, err := e.m.Apply(txn)
	c.Assert(err, IsNil)
	c.Assert(result.Skipped, Equals, 1)
	c.Assert(result.States, HasLen, 0)
}

func (s *testManagerSuite) TestNormalTxnWithoutLocks(c *C) {
	e := newStartedEnv(c, "n1")
	defer e.stop()

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	e.takeAck(c)
	// locks may be released before the transaction is applied, so a normal
	// transaction with no lock ids is still applied
	txn := newTxn("n1", 2, set(1, "v", "b"))
	txn.Type = core.NormalTxn
	e.m.AddTransactions(txn)
	c.Assert(e.takeAck(c).TxnID, Equals, core.TransactionID(2))
	state, err := e.arena.Lookup(1)
	c.Assert(err, IsNil)
	c.Assert(string(state.Fields["v"].Data), Equals, "b")
	c.Assert(e.closer.get("n1"), IsNil)
}

func (s *testManagerSuite) TestMissingTypeClosesSession(c *C) {
	e := newStartedEnv(c, "n1", "n2")
	defer e.stop()

	e.m.AddTransactions(newTxn("n1", 1, set(99, "v", "a")))
	e.m.AddTransactions(newTxn("n1", 2, create(5, "v", "a")))
	e.m.AddTransactions(newTxn("n2", 1, create(6, "v", "b")))
	ack := e.takeAck(c)
	c.Assert(ack.Committer, Equals, core.NodeID("n2"))
	e.noAck(c)

	err := e.closer.get("n1")
	c.Assert(err, FitsTypeOf, &core.MissingTypeError{})
	c.Assert(err.(*core.MissingTypeError).ObjectID, Equals, core.ObjectID(99))
	c.Assert(e.arena.Contains(5), IsFalse)
	c.Assert(e.arena.Contains(6), IsTrue)
	_, ok := e.m.store.descriptor(core.ServerTransactionID{Node: "n1", TxnID: 1})
	c.Assert(ok, IsFalse)

	e.m.StartupNode("n1")
	e.m.AddTransactions(newTxn("n1", 3, create(7, "v", "c")))
	c.Assert(e.takeAck(c).TxnID, Equals, core.TransactionID(3))
}

type recordSink struct {
	sync.Mutex
	msgs []*broadcast.Message
}

func (r *recordSink) Deliver(msg *broadcast.Message) error {
	r.Lock()
	defer r.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (s *testManagerSuite) TestAckWaitsForReceivers(c *C) {
	e := newStartedEnv(c, "n1", "n2", "n3")
	defer e.stop()
	sink := &recordSink{}
	stage := broadcast.NewStage(e.clients, sink, e.m, &e.wg)
	stage.Run()
	defer stage.Close()
	e.m.SetBroadcaster(stage)

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	e.takeAck(c)
	e.clients.AddReferences("n2", 1)
	e.clients.AddReferences("n3", 1)

	e.m.AddTransactions(newTxn("n1", 2, set(1, "v", "b")))
	e.noAck(c)
	sink.Lock()
	c.Assert(sink.msgs, HasLen, 2)
	sink.Unlock()

	e.m.AcknowledgeBroadcast("n1", 2, "n2")
	e.noAck(c)
	e.m.ShutdownNode("n3")
	c.Assert(e.takeAck(c).TxnID, Equals, core.TransactionID(2))
	c.Assert(e.clients.IsConnected("n3"), IsFalse)
}

type blockingPersistor struct {
	persistence.Persistor
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPersistor) SaveObject(tx *persistence.Transaction, obj *core.ObjectState) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Persistor.SaveObject(tx, obj)
}

func (s *testManagerSuite) TestGCPause(c *C) {
	p := &blockingPersistor{
		Persistor: persistence.NewMemoryPersistor(),
		entered:   make(chan struct{}, 16),
		release:   make(chan struct{}),
	}
	e := newTestEnv(c, p)
	defer e.stop()
	e.m.Start([]core.NodeID{"n1"})

	c.Assert(e.m.BlockUntilReadyToGC(context.Background()), Equals, errNoPauseRequested)

	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	<-p.entered
	c.Assert(e.m.InFlight(), Equals, int64(1))
	e.m.RequestGCPause()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	c.Assert(e.m.BlockUntilReadyToGC(ctx), Equals, context.DeadlineExceeded)
	cancel()
	c.Assert(e.m.IsPaused(), IsFalse)

	close(p.release)
	c.Assert(e.m.BlockUntilReadyToGC(context.Background()), IsNil)
	c.Assert(e.m.IsPaused(), IsTrue)
	e.takeAck(c)

	e.m.AddTransactions(newTxn("n1", 2, create(2, "v", "b")))
	e.noAck(c)
	c.Assert(e.arena.Contains(2), IsFalse)

	e.m.ResumeAfterGC()
	c.Assert(e.takeAck(c).TxnID, Equals, core.TransactionID(2))
	c.Assert(e.m.IsPaused(), IsFalse)
}

func (s *testManagerSuite) TestStartReleasesResendsFirst(c *C) {
	e := newTestEnv(c, persistence.NewMemoryPersistor())
	defer e.stop()

	e.m.SetResentTransactionIDs("n1", []core.TransactionID{2, 1})
	e.m.SetResentTransactionIDs("n3", []core.TransactionID{1})
	e.m.SetLowWatermark(5, "n3")
	e.m.AddTransactions(newTxn("n2", 1, create(3, "v", "new")))
	e.m.AddTransactions(newTxn("n1", 2, create(2, "v", "b")), newTxn("n1", 1, create(1, "v", "a")))
	e.noAck(c)

	e.m.Start([]core.NodeID{"n1", "n2"})
	var got []Ack
	for i := 0; i < 3; i++ {
		got = append(got, *e.takeAck(c))
	}
	c.Assert(got, DeepEquals, []Ack{{"n1", 1}, {"n1", 2}, {"n2", 1}})

	accounts := e.m.Accounts()
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	c.Assert(accounts, DeepEquals, []core.NodeID{"n1", "n2"})
	c.Assert(e.m.Sequencer().Outstanding(), Equals, 0)
}

func (s *testManagerSuite) TestLowWatermark(c *C) {
	e := newStartedEnv(c, "n1")
	defer e.stop()

	for i := 1; i <= 3; i++ {
		e.m.AddTransactions(newTxn("n1", core.TransactionID(i), create(core.ObjectID(i), "v", "a")))
		e.takeAck(c)
	}
	c.Assert(e.m.LowWatermark(), Equals, core.GlobalTransactionID(1))

	txn := newTxn("n1", 4, set(1, "v", "b"))
	txn.LowWatermark = 3
	e.m.AddTransactions(txn)
	e.takeAck(c)
	c.Assert(e.m.LowWatermark(), Equals, core.GlobalTransactionID(3))

	ds, err := e.persistor.LoadTxnDescriptors()
	c.Assert(err, IsNil)
	c.Assert(ds, HasLen, 2)
	c.Assert(ds[0].GlobalTxnID, Equals, core.GlobalTransactionID(3))
	c.Assert(ds[1].GlobalTxnID, Equals, core.GlobalTransactionID(4))

	// a claim never moves backwards
	e.m.SetLowWatermark(2, "n1")
	c.Assert(e.m.LowWatermark(), Equals, core.GlobalTransactionID(3))
}

func (s *testManagerSuite) TestStoreReload(c *C) {
	p := persistence.NewMemoryPersistor()
	e := newTestEnv(c, p)
	e.m.Start([]core.NodeID{"n1"})
	e.m.AddTransactions(newTxn("n1", 1, create(1, "v", "a")))
	e.takeAck(c)
	e.stop()

	e = newTestEnv(c, p)
	defer e.stop()
	c.Assert(e.arena.Contains(1), IsTrue)
	c.Assert(e.m.StartApply("n1", 1, 1, "n1"), IsFalse)
	c.Assert(e.m.LowWatermark(), Equals, core.GlobalTransactionID(1))
}
