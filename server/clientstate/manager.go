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
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager tracks which objects every connected node holds a reference to.
// Those references are live for the garbage collector.
type Manager struct {
	mu    sync.RWMutex
	nodes map[core.NodeID]*core.ObjectIDSet
}

// NewManager creates an empty reference table.
func NewManager() *Manager {
	return &Manager{nodes: make(map[core.NodeID]*core.ObjectIDSet)}
}

// StartupNode registers node with no references. It is a no-op for a known
// node.
func (m *Manager) StartupNode(node core.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node]; !ok {
		m.nodes[node] = core.NewObjectIDSet()
	}
}

// ShutdownNode forgets node and every reference it held.
func (m *Manager) ShutdownNode(node core.NodeID) {
	m.mu.Lock()
	refs, ok := m.nodes[node]
	delete(m.nodes, node)
	m.mu.Unlock()
	if ok {
		log.Info("client state removed", zap.String("node", string(node)), zap.Int("references", refs.Len()))
	}
}

// IsConnected reports whether node is registered.
func (m *Manager) IsConnected(node core.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[node]
	return ok
}

// ConnectedNodes returns the registered nodes ordered by id.
func (m *Manager) ConnectedNodes() []core.NodeID {
	m.mu.RLock()
	nodes := make([]core.NodeID, 0, len(m.nodes))
	for node := range m.nodes {
		nodes = append(nodes, node)
	}
	m.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// AddReferences records that node holds ids, registering node if needed.
func (m *Manager) AddReferences(node core.NodeID, ids ...core.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.nodes[node]
	if !ok {
		refs = core.NewObjectIDSet()
		m.nodes[node] = refs
	}
	for _, id := range ids {
		refs.Add(id)
	}
}

// RemoveReferences records that node released ids.
func (m *Manager) RemoveReferences(node core.NodeID, ids ...core.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if refs, ok := m.nodes[node]; ok {
		for _, id := range ids {
			refs.Remove(id)
		}
	}
}

// HasReference reports whether node holds id.
func (m *Manager) HasReference(node core.NodeID, id core.ObjectID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs, ok := m.nodes[node]
	return ok && refs.Contains(id)
}

// References returns a copy of the ids node holds.
func (m *Manager) References(node core.NodeID) *core.ObjectIDSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if refs, ok := m.nodes[node]; ok {
		return refs.Clone()
	}
	return core.NewObjectIDSet()
}

// AllReferencedIDs returns the union of every node's references.
func (m *Manager) AllReferencedIDs() *core.ObjectIDSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := core.NewObjectIDSet()
	for _, refs := range m.nodes {
		all.AddAll(refs)
	}
	return all
}

// NodesReferencing returns the nodes, other than except, that hold any of
// ids. They are the receivers of a transaction touching ids.
func (m *Manager) NodesReferencing(ids *core.ObjectIDSet, except core.NodeID) []core.NodeID {
	m.mu.RLock()
	var nodes []core.NodeID
	for node, refs := range m.nodes {
		if node == except {
			continue
		}
		found := false
		ids.Ascend(func(id core.ObjectID) bool {
			found = refs.Contains(id)
			return !found
		})
		if found {
			nodes = append(nodes, node)
		}
	}
	m.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// PrunedChanges returns the changes of txn that node has to see: those on
// objects it references plus root bindings. The referenced ids of the
// kept changes that node does not hold yet are added to lookup.
func (m *Manager) PrunedChanges(node core.NodeID, txn *core.ServerTransaction, lookup *core.ObjectIDSet) []core.Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs, ok := m.nodes[node]
	if !ok {
		return nil
	}
	var changes []core.Change
	for i := range txn.Changes {
		ch := &txn.Changes[i]
		if ch.Kind != core.ChangeNewRoot && !refs.Contains(ch.ObjectID) {
			continue
		}
		changes = append(changes, *ch)
		for _, ref := range ch.References() {
			if !refs.Contains(ref) {
				lookup.Add(ref)
			}
		}
	}
	return changes
}
