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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydso/server/clientstate"
	"github.com/pingcap-incubator/tinydso/server/core"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestBroadcast(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testStageSuite{})

type testStageSuite struct{}

type recordSink struct {
	sync.Mutex
	msgs []*Message
	fail core.NodeID
}

func (r *recordSink) Deliver(msg *Message) error {
	if msg.Receiver == r.fail {
		return errors.New("connection reset")
	}
	r.Lock()
	defer r.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type recordRecorder struct {
	sync.Mutex
	events []string
	done   chan core.TransactionID
}

func (r *recordRecorder) add(format string, args ...interface{}) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordRecorder) AddWaitee(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID) {
	r.add("wait %s:%d %s", committer, txnID, waitee)
}

func (r *recordRecorder) AcknowledgeBroadcast(committer core.NodeID, txnID core.TransactionID, waitee core.NodeID) {
	r.add("ack %s:%d %s", committer, txnID, waitee)
}

func (r *recordRecorder) BroadcastCompleted(committer core.NodeID, txnID core.TransactionID) {
	r.add("done %s:%d", committer, txnID)
	r.done <- txnID
}

func (s *testStageSuite) TestFanOut(c *C) {
	clients := clientstate.NewManager()
	clients.AddReferences("n1", 1)
	clients.AddReferences("n2", 1, 2)
	clients.AddReferences("n3", 3)
	clients.AddReferences("n4", 1)

	sink := &recordSink{fail: "n4"}
	recorder := &recordRecorder{done: make(chan core.TransactionID, 8)}
	var wg sync.WaitGroup
	stage := NewStage(clients, sink, recorder, &wg)
	stage.Run()
	defer func() {
		stage.Close()
		wg.Wait()
	}()

	txn := &core.ServerTransaction{
		Source:      "n1",
		TxnID:       7,
		GlobalTxnID: 100,
		Changes:     []core.Change{core.FieldSet(1, "f", core.RefValue(9))},
	}
	stage.Broadcast(&Context{
		Txn:             txn,
		Watermark:       90,
		NotifiedWaiters: []core.LockContext{{LockID: "l", Node: "n3", Thread: 1, Level: core.LockWrite}},
		BackReferences:  core.NewObjectIDSet(9),
	})
	select {
	case id := <-recorder.done:
		c.Assert(id, Equals, core.TransactionID(7))
	case <-time.After(time.Second):
		c.Fatal("broadcast not completed")
	}

	c.Assert(sink.msgs, HasLen, 2)
	c.Assert(sink.msgs[0].Receiver, Equals, core.NodeID("n2"))
	c.Assert(sink.msgs[0].Changes, HasLen, 1)
	c.Assert(sink.msgs[0].LookupIDs, DeepEquals, []core.ObjectID{9})
	c.Assert(sink.msgs[0].Watermark, Equals, core.GlobalTransactionID(90))
	c.Assert(sink.msgs[1].Receiver, Equals, core.NodeID("n3"))
	c.Assert(sink.msgs[1].Changes, HasLen, 0)
	c.Assert(sink.msgs[1].Notified, HasLen, 1)
	c.Assert(clients.HasReference("n2", 9), IsTrue)

	c.Assert(recorder.events, DeepEquals, []string{
		"wait n1:7 n2",
		"wait n1:7 n4",
		"ack n1:7 n4",
		"wait n1:7 n3",
		"done n1:7",
	})
}

func (s *testStageSuite) TestNewRootsReachEveryone(c *C) {
	clients := clientstate.NewManager()
	clients.StartupNode("n1")
	clients.StartupNode("n2")
	sink := &recordSink{}
	recorder := &recordRecorder{done: make(chan core.TransactionID, 8)}
	var wg sync.WaitGroup
	stage := NewStage(clients, sink, recorder, &wg)
	stage.Run()
	defer func() {
		stage.Close()
		wg.Wait()
	}()

	stage.Broadcast(&Context{Txn: &core.ServerTransaction{
		Source:   "n1",
		TxnID:    1,
		Changes:  []core.Change{core.NewRoot("r", 5)},
		NewRoots: map[string]core.ObjectID{"r": 5},
	}})
	<-recorder.done
	c.Assert(sink.msgs, HasLen, 1)
	c.Assert(sink.msgs[0].Receiver, Equals, core.NodeID("n2"))
	c.Assert(sink.msgs[0].NewRoots, DeepEquals, map[string]core.ObjectID{"r": 5})
}

func (s *testStageSuite) TestAppliedRootsReachEveryone(c *C) {
	clients := clientstate.NewManager()
	clients.StartupNode("n1")
	clients.StartupNode("n2")
	sink := &recordSink{}
	recorder := &recordRecorder{done: make(chan core.TransactionID, 8)}
	var wg sync.WaitGroup
	stage := NewStage(clients, sink, recorder, &wg)
	stage.Run()
	defer func() {
		stage.Close()
		wg.Wait()
	}()

	// the binding only comes from a new root change
	stage.Broadcast(&Context{
		Txn: &core.ServerTransaction{
			Source:  "n1",
			TxnID:   2,
			Changes: []core.Change{core.NewRoot("r", 6)},
		},
		NewRoots: map[string]core.ObjectID{"r": 6},
	})
	<-recorder.done
	c.Assert(sink.msgs, HasLen, 1)
	c.Assert(sink.msgs[0].Receiver, Equals, core.NodeID("n2"))
	c.Assert(sink.msgs[0].NewRoots, DeepEquals, map[string]core.ObjectID{"r": 6})
	c.Assert(recorder.events, DeepEquals, []string{"wait n1:2 n2", "done n1:2"})
}
