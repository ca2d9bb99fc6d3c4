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
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinydso/server/core"
)

// Sequencer orders transactions around a restart: nothing is released
// before Start, and while reconnected nodes still owe resends every new
// transaction is held back. Resends are released first, in their original
// global order.
type Sequencer struct {
	mu       sync.Mutex
	started  bool
	gidOf    func(id core.ServerTransactionID) core.GlobalTransactionID
	expected map[core.ServerTransactionID]struct{}
	resent   []*core.ServerTransaction
	held     []*core.ServerTransaction
}

// NewSequencer creates a sequencer. gidOf resolves the gid a resent
// transaction was given before the restart.
func NewSequencer(gidOf func(id core.ServerTransactionID) core.GlobalTransactionID) *Sequencer {
	return &Sequencer{
		gidOf:    gidOf,
		expected: make(map[core.ServerTransactionID]struct{}),
	}
}

// SetResentIDs records the transactions node will resend.
func (s *Sequencer) SetResentIDs(node core.NodeID, ids []core.TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.expected[core.ServerTransactionID{Node: node, TxnID: id}] = struct{}{}
	}
}

// Outstanding returns the number of resends not received yet.
func (s *Sequencer) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expected)
}

// Add takes incoming transactions and returns those ready to be applied,
// in order.
func (s *Sequencer) Add(txns ...*core.ServerTransaction) []*core.ServerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range txns {
		id := txn.ID()
		if _, ok := s.expected[id]; ok {
			delete(s.expected, id)
			s.resent = append(s.resent, txn)
			continue
		}
		s.held = append(s.held, txn)
	}
	return s.release()
}

// Start lets transactions through. Resends owed by nodes keep rejects are
// dropped.
func (s *Sequencer) Start(keep func(node core.NodeID) bool) []*core.ServerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for id := range s.expected {
		if !keep(id.Node) {
			delete(s.expected, id)
		}
	}
	s.resent = filterNode(s.resent, keep)
	s.held = filterNode(s.held, keep)
	return s.release()
}

// RemoveNode forgets everything from node and returns what that releases.
func (s *Sequencer) RemoveNode(node core.NodeID) []*core.ServerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.expected {
		if id.Node == node {
			delete(s.expected, id)
		}
	}
	keep := func(n core.NodeID) bool { return n != node }
	s.resent = filterNode(s.resent, keep)
	s.held = filterNode(s.held, keep)
	return s.release()
}

func (s *Sequencer) release() []*core.ServerTransaction {
	if !s.started || len(s.expected) > 0 {
		return nil
	}
	if len(s.resent) == 0 && len(s.held) == 0 {
		return nil
	}
	resent := s.resent
	gids := make(map[core.ServerTransactionID]core.GlobalTransactionID, len(resent))
	for _, txn := range resent {
		gids[txn.ID()] = s.gidOf(txn.ID())
	}
	sort.SliceStable(resent, func(i, j int) bool {
		a, b := gids[resent[i].ID()], gids[resent[j].ID()]
		if a != b {
			return a.LessThan(b)
		}
		if resent[i].Source != resent[j].Source {
			return resent[i].Source < resent[j].Source
		}
		return resent[i].TxnID < resent[j].TxnID
	})
	out := append(resent, s.held...)
	s.resent, s.held = nil, nil
	return out
}

func filterNode(txns []*core.ServerTransaction, keep func(node core.NodeID) bool) []*core.ServerTransaction {
	kept := txns[:0]
	for _, txn := range txns {
		if keep(txn.Source) {
			kept = append(kept, txn)
		}
	}
	return kept
}
