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

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/idgen"
	"github.com/pingcap-incubator/tinydso/server/kv"
	"github.com/pingcap-incubator/tinydso/server/lock"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestHandshake(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testManagerSuite{})

type testManagerSuite struct {
	locks   *lock.Manager
	lockOut []*lock.Response
	txns    *testTxns
	clients *clientstate.Manager
	storage *core.Storage
	acks    *testAcks
}

type testTxns struct {
	sync.Mutex
	started  []core.NodeID
	startups []core.NodeID
	shutdown []core.NodeID
	resent   map[core.NodeID][]core.TransactionID
}

func (t *testTxns) SetResentTransactionIDs(node core.NodeID, ids []core.TransactionID) {
	t.Lock()
	defer t.Unlock()
	t.resent[node] = ids
}

func (t *testTxns) StartupNode(node core.NodeID) {
	t.Lock()
	defer t.Unlock()
	t.startups = append(t.startups, node)
}

func (t *testTxns) ShutdownNode(node core.NodeID) {
	t.Lock()
	defer t.Unlock()
	t.shutdown = append(t.shutdown, node)
}

func (t *testTxns) Start(cids []core.NodeID) {
	t.Lock()
	defer t.Unlock()
	t.started = cids
}

func (t *testTxns) startedWith() []core.NodeID {
	t.Lock()
	defer t.Unlock()
	return t.started
}

type testAcks struct {
	sync.Mutex
	acks []*Ack
}

func (a *testAcks) SendHandshakeAck(ack *Ack) {
	a.Lock()
	defer a.Unlock()
	a.acks = append(a.acks, ack)
}

func (a *testAcks) nodes() []core.NodeID {
	a.Lock()
	defer a.Unlock()
	var nodes []core.NodeID
	for _, ack := range a.acks {
		nodes = append(nodes, ack.Node)
	}
	return nodes
}

func (s *testManagerSuite) SetUpTest(c *C) {
	s.lockOut = nil
	s.locks = lock.NewManager(lock.SinkFunc(func(resp *lock.Response) {
		s.lockOut = append(s.lockOut, resp)
	}), 4)
	s.txns = &testTxns{resent: make(map[core.NodeID][]core.TransactionID)}
	s.clients = clientstate.NewManager()
	s.storage = core.NewStorage(kv.NewMemoryKV())
	s.acks = &testAcks{}
}

func (s *testManagerSuite) newManager(c *C, window time.Duration) *Manager {
	ids, err := idgen.NewSequence(idgen.ObjectIDSequence, s.storage, 0)
	c.Assert(err, IsNil)
	m, err := NewManager(Deps{
		Locks:   s.locks,
		Txns:    s.txns,
		Clients: s.clients,
		IDs:     ids,
		Acks:    s.acks,
		Storage: s.storage,
	}, Config{ReconnectWindow: window, ObjectIDBatchSize: 100, ClusterVersion: "1.1.0"})
	c.Assert(err, IsNil)
	return m
}

func (s *testManagerSuite) TestFreshCluster(c *C) {
	m := s.newManager(c, time.Minute)
	c.Assert(m.State(), Equals, StateInit)
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n1"})), Equals, ErrNotStarting)

	c.Assert(m.SetStarting(nil), IsNil)
	c.Assert(m.State(), Equals, StateStarted)
	c.Assert(s.locks.IsStarted(), IsTrue)
	c.Assert(s.txns.startedWith(), HasLen, 0)
	c.Assert(m.SetStarting(nil), Equals, ErrAlreadyStarting)

	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n1", RequestObjectIDBatch: true}), IsNil)
	c.Assert(s.acks.acks, HasLen, 1)
	ack := s.acks.acks[0]
	c.Assert(ack.ConnectionAccepted, IsTrue)
	c.Assert(ack.Reconnected, IsFalse)
	c.Assert(ack.ObjectIDBatch, NotNil)
	c.Assert(ack.ObjectIDBatch.Size, Equals, uint64(100))
	c.Assert(s.clients.IsConnected("n1"), IsTrue)

	clients, err := s.storage.LoadClients()
	c.Assert(err, IsNil)
	c.Assert(clients, DeepEquals, []core.NodeID{"n1"})

	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n1"})), Equals, ErrDuplicateHandshake)

	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n2", RequestObjectIDBatch: true}), IsNil)
	second := s.acks.acks[1].ObjectIDBatch
	c.Assert(second.Start, Equals, ack.ObjectIDBatch.Start+100)

	m.ClientDisconnected("n1")
	clients, err = s.storage.LoadClients()
	c.Assert(err, IsNil)
	c.Assert(clients, DeepEquals, []core.NodeID{"n2"})
}

func (s *testManagerSuite) TestStateAfterStartRejected(c *C) {
	m := s.newManager(c, time.Minute)
	c.Assert(m.SetStarting(nil), IsNil)

	err := m.NotifyClientConnect(&Handshake{Node: "n1", ObjectIDs: []core.ObjectID{1}})
	c.Assert(errors.Cause(err), Equals, ErrObjectsAfterStart)
	err = m.NotifyClientConnect(&Handshake{Node: "n1", Locks: []core.LockContext{{LockID: "l", Level: core.LockWrite}}})
	c.Assert(errors.Cause(err), Equals, ErrLocksAfterStart)
	err = m.NotifyClientConnect(&Handshake{Node: "n1", TryPendingLocks: []core.WaitContext{{LockID: "l", Level: core.LockWrite}}})
	c.Assert(errors.Cause(err), Equals, ErrLocksAfterStart)
	err = m.NotifyClientConnect(&Handshake{Node: "n1", ResentTxnIDs: []core.TransactionID{3}})
	c.Assert(errors.Cause(err), Equals, ErrResendsAfterStart)
	c.Assert(s.acks.acks, HasLen, 0)
	c.Assert(s.clients.IsConnected("n1"), IsFalse)
}

func (s *testManagerSuite) TestVersionCheck(c *C) {
	m := s.newManager(c, time.Minute)
	c.Assert(m.SetStarting(nil), IsNil)
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n1", ClientVersion: "2.0.0"})), Equals, ErrIncompatibleVersion)
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n1", ClientVersion: "1.2.0"})), Equals, ErrIncompatibleVersion)
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n1", ClientVersion: "bad"})), Equals, ErrIncompatibleVersion)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n1", ClientVersion: "v1.0.3"}), IsNil)
}

func (s *testManagerSuite) TestAllReconnect(c *C) {
	m := s.newManager(c, time.Minute)
	c.Assert(m.SetStarting([]core.NodeID{"n1", "n2", "n3"}), IsNil)
	c.Assert(m.State(), Equals, StateStarting)

	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n9"})), Equals, ErrUnexpectedClient)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n2", ObjectIDs: []core.ObjectID{4, 5}, ResentTxnIDs: []core.TransactionID{7, 8}}), IsNil)
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n2"})), Equals, ErrDuplicateHandshake)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n1"}), IsNil)
	c.Assert(m.State(), Equals, StateStarting)
	c.Assert(s.acks.acks, HasLen, 0)
	c.Assert(m.Status().Outstanding, DeepEquals, []core.NodeID{"n3"})

	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n3", RequestObjectIDBatch: true}), IsNil)
	c.Assert(m.State(), Equals, StateStarted)
	c.Assert(s.locks.IsStarted(), IsTrue)
	c.Assert(s.txns.startedWith(), DeepEquals, []core.NodeID{"n1", "n2", "n3"})
	c.Assert(s.acks.nodes(), DeepEquals, []core.NodeID{"n2", "n1", "n3"})
	c.Assert(s.acks.acks[2].ObjectIDBatch, NotNil)
	c.Assert(s.acks.acks[0].Reconnected, IsTrue)
	c.Assert(s.txns.resent["n2"], DeepEquals, []core.TransactionID{7, 8})
	c.Assert(s.clients.References("n2").Slice(), DeepEquals, []core.ObjectID{4, 5})
	c.Assert(s.txns.shutdown, HasLen, 0)
	c.Assert(m.Status().Evicted, HasLen, 0)
}

func (s *testManagerSuite) TestPartialReconnect(c *C) {
	m := s.newManager(c, 50*time.Millisecond)
	for _, node := range []core.NodeID{"n1", "n2", "n3", "n4"} {
		c.Assert(s.storage.SaveClient(node), IsNil)
	}
	c.Assert(m.SetStarting([]core.NodeID{"n1", "n2", "n3", "n4"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n3"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n1"}), IsNil)

	for i := 0; i < 100 && m.State() != StateStarted; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(m.State(), Equals, StateStarted)
	c.Assert(s.txns.startedWith(), DeepEquals, []core.NodeID{"n1", "n3"})
	c.Assert(s.acks.nodes(), DeepEquals, []core.NodeID{"n3", "n1"})
	c.Assert(m.Status().Evicted, DeepEquals, []core.NodeID{"n2", "n4"})
	clients, err := s.storage.LoadClients()
	c.Assert(err, IsNil)
	c.Assert(clients, DeepEquals, []core.NodeID{"n1", "n3"})

	// late arrivals are new clients now
	c.Assert(errors.Cause(m.NotifyClientConnect(&Handshake{Node: "n2", ObjectIDs: []core.ObjectID{9}})), Equals, ErrObjectsAfterStart)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "n2"}), IsNil)
}

func (s *testManagerSuite) TestTimeoutEvictsLocks(c *C) {
	m := s.newManager(c, time.Hour)
	c.Assert(m.SetStarting([]core.NodeID{"a", "b"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "a"}), IsNil)
	// b never reconnects, a request queued meanwhile is replayed at start
	status, err := s.locks.RequestLock("L", "a", 1, core.LockWrite)
	c.Assert(err, IsNil)
	c.Assert(status, Equals, lock.Deferred)

	m.NotifyTimeout()
	c.Assert(m.State(), Equals, StateStarted)
	c.Assert(s.txns.shutdown, DeepEquals, []core.NodeID{"b"})
	c.Assert(s.locks.IsHeldBy("L", "a", 1, core.LockWrite), IsTrue)
	// a second timeout is a no-op
	m.NotifyTimeout()
	c.Assert(s.txns.shutdown, HasLen, 1)
}

// Client a holds write lock L, disconnects and reconnects within the window
// still holding it: after the handshake a keeps L and b queues behind.
func (s *testManagerSuite) TestHeldWriteLockOnReconnect(c *C) {
	m := s.newManager(c, time.Hour)
	c.Assert(m.SetStarting([]core.NodeID{"a", "b"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{
		Node:  "a",
		Locks: []core.LockContext{{LockID: "L", Thread: 1, Level: core.LockWrite}},
	}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{
		Node:         "b",
		PendingLocks: []core.LockContext{{LockID: "L", Thread: 2, Level: core.LockWrite}},
	}), IsNil)
	c.Assert(m.State(), Equals, StateStarted)

	c.Assert(s.locks.IsHeldBy("L", "a", 1, core.LockWrite), IsTrue)
	c.Assert(s.locks.IsHeldBy("L", "b", 2, core.LockWrite), IsFalse)
	info, err := s.locks.Snapshot("L")
	c.Assert(err, IsNil)
	c.Assert(info.Pending, HasLen, 1)
	c.Assert(info.Pending[0].Node, Equals, core.NodeID("b"))

	status, err := s.locks.RequestLock("L", "c", 3, core.LockWrite)
	c.Assert(err, IsNil)
	c.Assert(status, Equals, lock.Queued)

	c.Assert(s.locks.Unlock("L", "a", 1), IsNil)
	c.Assert(s.locks.IsHeldBy("L", "b", 2, core.LockWrite), IsTrue)
}

func (s *testManagerSuite) TestReestablishConflict(c *C) {
	m := s.newManager(c, time.Hour)
	c.Assert(m.SetStarting([]core.NodeID{"a", "b"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{
		Node:  "a",
		Locks: []core.LockContext{{LockID: "L", Thread: 1, Level: core.LockWrite}},
	}), IsNil)
	err := m.NotifyClientConnect(&Handshake{
		Node:  "b",
		Locks: []core.LockContext{{LockID: "L", Thread: 1, Level: core.LockWrite}},
	})
	conflict, ok := errors.Cause(err).(*core.LockReestablishConflictError)
	c.Assert(ok, IsTrue)
	c.Assert(conflict.Holders, HasLen, 1)
	c.Assert(conflict.Holders[0].Node, Equals, core.NodeID("a"))

	// b is evicted and the cluster starts with a alone
	c.Assert(m.State(), Equals, StateStarted)
	c.Assert(s.txns.startedWith(), DeepEquals, []core.NodeID{"a"})
	c.Assert(s.locks.IsHeldBy("L", "a", 1, core.LockWrite), IsTrue)
}

func (s *testManagerSuite) TestReestablishWaits(c *C) {
	m := s.newManager(c, time.Hour)
	c.Assert(m.SetStarting([]core.NodeID{"a"}), IsNil)
	c.Assert(m.NotifyClientConnect(&Handshake{
		Node:  "a",
		Waits: []core.WaitContext{{LockID: "L", Thread: 1, Level: core.LockWrite}},
	}), IsNil)
	info, err := s.locks.Snapshot("L")
	c.Assert(err, IsNil)
	c.Assert(info.Waiters, HasLen, 1)
	c.Assert(info.Waiters[0].Node, Equals, core.NodeID("a"))
}

type failingIDs struct{}

func (failingIDs) NextBatch(n uint64) (uint64, error) {
	return 0, errors.New("sequence is not writable")
}

func (s *testManagerSuite) TestObjectIDBatchFailure(c *C) {
	m := s.newManager(c, time.Hour)
	working := m.deps.IDs
	m.deps.IDs = failingIDs{}
	c.Assert(m.SetStarting([]core.NodeID{"a"}), IsNil)

	// a stays outstanding and may come back
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "a", RequestObjectIDBatch: true}), NotNil)
	c.Assert(m.State(), Equals, StateStarting)
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "a"}), IsNil)
	c.Assert(m.State(), Equals, StateStarted)

	c.Assert(m.NotifyClientConnect(&Handshake{Node: "b", RequestObjectIDBatch: true}), NotNil)
	c.Assert(s.clients.IsConnected("b"), IsFalse)
	for _, ack := range s.acks.acks {
		c.Assert(ack.Node, Not(Equals), core.NodeID("b"))
	}
	clients, err := s.storage.LoadClients()
	c.Assert(err, IsNil)
	for _, node := range clients {
		c.Assert(node, Not(Equals), core.NodeID("b"))
	}

	m.deps.IDs = working
	c.Assert(m.NotifyClientConnect(&Handshake{Node: "b", RequestObjectIDBatch: true}), IsNil)
	last := s.acks.acks[len(s.acks.acks)-1]
	c.Assert(last.Node, Equals, core.NodeID("b"))
	c.Assert(last.ConnectionAccepted, IsTrue)
	c.Assert(last.ObjectIDBatch, NotNil)
}
