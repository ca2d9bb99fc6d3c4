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
	"github.com/pingcap-incubator/tinydso/server/core"
	. "github.com/pingcap/check"
)

var _ = Suite(&testSequencerSuite{})

type testSequencerSuite struct{}

func ids(txns []*core.ServerTransaction) []string {
	var out []string
	for _, txn := range txns {
		out = append(out, txn.ID().String())
	}
	return out
}

func (s *testSequencerSuite) TestResendsFirstInGlobalOrder(c *C) {
	gids := map[core.ServerTransactionID]core.GlobalTransactionID{
		{Node: "a", TxnID: 5}: 20,
		{Node: "b", TxnID: 1}: 10,
	}
	seq := NewSequencer(func(id core.ServerTransactionID) core.GlobalTransactionID { return gids[id] })
	seq.SetResentIDs("a", []core.TransactionID{5})
	seq.SetResentIDs("b", []core.TransactionID{1})
	c.Assert(seq.Outstanding(), Equals, 2)

	c.Assert(seq.Add(newTxn("c", 1)), HasLen, 0)
	c.Assert(seq.Add(newTxn("a", 5)), HasLen, 0)
	c.Assert(seq.Start(func(core.NodeID) bool { return true }), HasLen, 0)
	ready := seq.Add(newTxn("b", 1))
	c.Assert(ids(ready), DeepEquals, []string{"b:1", "a:5", "c:1"})
	c.Assert(ids(seq.Add(newTxn("c", 2))), DeepEquals, []string{"c:2"})
}

func (s *testSequencerSuite) TestRemoveNodeReleases(c *C) {
	seq := NewSequencer(func(core.ServerTransactionID) core.GlobalTransactionID { return core.NullGlobalTransactionID })
	seq.Start(func(core.NodeID) bool { return true })
	seq.SetResentIDs("a", []core.TransactionID{1})
	c.Assert(seq.Add(newTxn("b", 1), newTxn("a", 2)), HasLen, 0)
	c.Assert(ids(seq.RemoveNode("a")), DeepEquals, []string{"b:1"})
}

var _ = Suite(&testAccountSuite{})

type testAccountSuite struct{}

func (s *testAccountSuite) TestAckableAfterBroadcastAndWaitees(c *C) {
	a := newAccount("n1")
	a.broadcastStarted(1)
	a.addWaitee(1, "n2")
	a.addWaitee(1, "n3")
	c.Assert(a.broadcastCompleted(1), IsFalse)
	c.Assert(a.removeWaitee(1, "n2"), IsFalse)
	c.Assert(a.removeWaitee(1, "n9"), IsFalse)
	c.Assert(a.removeAllWaitee("n3"), DeepEquals, []core.TransactionID{1})
	c.Assert(a.hasPending(), IsFalse)

	a.broadcastStarted(2)
	a.addWaitee(2, "n2")
	c.Assert(a.removeWaitee(2, "n2"), IsFalse)
	c.Assert(a.broadcastCompleted(2), IsTrue)

	c.Assert(a.setLowWatermark(5), IsTrue)
	c.Assert(a.setLowWatermark(3), IsFalse)
	c.Assert(a.setLowWatermark(core.NullGlobalTransactionID), IsFalse)
	c.Assert(a.lowWatermark, Equals, core.GlobalTransactionID(5))
}
