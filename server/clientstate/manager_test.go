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

package clientstate

import (
	"testing"

	"github.com/pingcap-incubator/tinydso/server/core"
	. "github.com/pingcap/check"
)

func TestClientState(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testManagerSuite{})

type testManagerSuite struct{}

func (s *testManagerSuite) TestReferences(c *C) {
	m := NewManager()
	m.AddReferences("n1", 1, 2, 3)
	m.AddReferences("n2", 3, 4)
	m.StartupNode("n3")
	c.Assert(m.ConnectedNodes(), DeepEquals, []core.NodeID{"n1", "n2", "n3"})
	c.Assert(m.AllReferencedIDs().Slice(), DeepEquals, []core.ObjectID{1, 2, 3, 4})
	c.Assert(m.HasReference("n1", 2), IsTrue)

	m.RemoveReferences("n1", 2)
	c.Assert(m.HasReference("n1", 2), IsFalse)
	c.Assert(m.References("n1").Slice(), DeepEquals, []core.ObjectID{1, 3})

	c.Assert(m.NodesReferencing(core.NewObjectIDSet(3), "n1"), DeepEquals, []core.NodeID{"n2"})
	c.Assert(m.NodesReferencing(core.NewObjectIDSet(9), ""), HasLen, 0)

	m.ShutdownNode("n2")
	c.Assert(m.IsConnected("n2"), IsFalse)
	c.Assert(m.AllReferencedIDs().Slice(), DeepEquals, []core.ObjectID{1, 3})
	c.Assert(m.References("n2").IsEmpty(), IsTrue)
}

func (s *testManagerSuite) TestPrunedChanges(c *C) {
	m := NewManager()
	m.AddReferences("n1", 1)
	txn := &core.ServerTransaction{
		Source: "n2",
		Changes: []core.Change{
			core.FieldSet(1, "next", core.RefValue(5)),
			core.FieldSet(2, "next", core.RefValue(6)),
			core.NewRoot("r", 7),
		},
	}
	lookup := core.NewObjectIDSet()
	changes := m.PrunedChanges("n1", txn, lookup)
	c.Assert(changes, HasLen, 2)
	c.Assert(changes[0].ObjectID, Equals, core.ObjectID(1))
	c.Assert(changes[1].Kind, Equals, core.ChangeNewRoot)
	c.Assert(lookup.Slice(), DeepEquals, []core.ObjectID{5})
	c.Assert(m.PrunedChanges("n9", txn, lookup), HasLen, 0)
}
