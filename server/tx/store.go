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
	"sync"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/persistence"
	"github.com/pkg/errors"
)

// GIDAllocator hands out global transaction ids. *idgen.Sequence is one.
type GIDAllocator interface {
	Next() (uint64, error)
}

// store is the global transaction store: one descriptor per client
// transaction that was given a gid and may still be resent. Descriptors
// are kept durable in the persistor.
type store struct {
	mu        sync.Mutex
	persistor persistence.Persistor
	byID      map[core.ServerTransactionID]*core.GlobalTransactionDescriptor
	byGID     map[core.GlobalTransactionID]*core.GlobalTransactionDescriptor
	// deletes are flushed with the next persistence transaction.
	deletes []core.GlobalTransactionID
}

func loadStore(p persistence.Persistor) (*store, error) {
	ds, err := p.LoadTxnDescriptors()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &store{
		persistor: p,
		byID:      make(map[core.ServerTransactionID]*core.GlobalTransactionDescriptor, len(ds)),
		byGID:     make(map[core.GlobalTransactionID]*core.GlobalTransactionDescriptor, len(ds)),
	}
	var stale []core.GlobalTransactionID
	for _, d := range ds {
		if d.State != core.TxnCommitted {
			// an apply that never committed left nothing behind
			stale = append(stale, d.GlobalTxnID)
			continue
		}
		s.byID[d.ID] = d
		s.byGID[d.GlobalTxnID] = d
	}
	s.deletes = stale
	return s, nil
}

// getOrCreate returns the gid of id, allocating one for a transaction seen
// for the first time.
func (s *store) getOrCreate(id core.ServerTransactionID, gids GIDAllocator) (core.GlobalTransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		return d.GlobalTxnID, nil
	}
	next, err := gids.Next()
	if err != nil {
		return core.NullGlobalTransactionID, err
	}
	d := &core.GlobalTransactionDescriptor{ID: id, GlobalTxnID: core.GlobalTransactionID(next), State: core.TxnApplyInitiated}
	s.byID[id] = d
	s.byGID[d.GlobalTxnID] = d
	return d.GlobalTxnID, nil
}

func (s *store) lookupGID(id core.ServerTransactionID) core.GlobalTransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		return d.GlobalTxnID
	}
	return core.NullGlobalTransactionID
}

// initiateApply reports whether id still has to be applied.
func (s *store) initiateApply(id core.ServerTransactionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	return ok && d.State == core.TxnApplyInitiated
}

func (s *store) setState(id core.ServerTransactionID, state core.TxnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		d.State = state
	}
}

// descriptor returns a copy of the descriptor of id.
func (s *store) descriptor(id core.ServerTransactionID) (core.GlobalTransactionDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		return *d, true
	}
	return core.GlobalTransactionDescriptor{}, false
}

// forget drops id without persisting anything, for applies that failed.
func (s *store) forget(id core.ServerTransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		delete(s.byID, id)
		delete(s.byGID, d.GlobalTxnID)
	}
}

// clearCommittedBelow drops the committed descriptors of node older than
// watermark. The node promised never to resend them.
func (s *store) clearCommittedBelow(node core.NodeID, watermark core.GlobalTransactionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.byID {
		if id.Node == node && d.State == core.TxnCommitted && d.GlobalTxnID.LessThan(watermark) {
			delete(s.byID, id)
			delete(s.byGID, d.GlobalTxnID)
			s.deletes = append(s.deletes, d.GlobalTxnID)
			n++
		}
	}
	return n
}

// removeNode drops every descriptor of node.
func (s *store) removeNode(node core.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.byID {
		if id.Node == node {
			delete(s.byID, id)
			delete(s.byGID, d.GlobalTxnID)
			s.deletes = append(s.deletes, d.GlobalTxnID)
			n++
		}
	}
	return n
}

// takeDeletes returns and clears the queued descriptor deletions.
func (s *store) takeDeletes() []core.GlobalTransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	deletes := s.deletes
	s.deletes = nil
	return deletes
}

// restoreDeletes puts deletions back after a failed persistence commit.
func (s *store) restoreDeletes(gids []core.GlobalTransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(gids, s.deletes...)
}

// flushDeletes writes the queued deletions in their own transaction.
func (s *store) flushDeletes() error {
	deletes := s.takeDeletes()
	if len(deletes) == 0 {
		return nil
	}
	tx := s.persistor.NewTransaction()
	if err := s.persistor.DeleteTxnDescriptors(tx, deletes); err != nil {
		s.restoreDeletes(deletes)
		return err
	}
	if err := tx.Commit(); err != nil {
		s.restoreDeletes(deletes)
		return err
	}
	return nil
}

// leastGID returns the smallest gid still in the store, or the null id.
func (s *store) leastGID() core.GlobalTransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	least := core.NullGlobalTransactionID
	for gid := range s.byGID {
		if gid.LessThan(least) {
			least = gid
		}
	}
	return least
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
