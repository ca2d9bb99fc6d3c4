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
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ApplyResult is an applied but not yet committed transaction.
type ApplyResult struct {
	Txn *core.ServerTransaction
	// States are the new images of the changed objects, in first change
	// order.
	States   []*core.ObjectState
	Created  *core.ObjectIDSet
	NewRoots map[string]core.ObjectID
	// BackReferences are the ids the changes point at.
	BackReferences *core.ObjectIDSet
	// Skipped counts changes dropped because the object already carries a
	// later version.
	Skipped int
}

// Apply runs the changes of txn against private copies of the objects it
// touches. Nothing is visible until Commit. A change on an unknown object
// without a type name fails with *core.MissingTypeError.
func (m *Manager) Apply(txn *core.ServerTransaction) (*ApplyResult, error) {
	if txn.GlobalTxnID.IsNull() {
		return nil, errors.Errorf("transaction %s has no global id", txn.ID())
	}
	if txn.Type == core.NormalTxn && len(txn.LockIDs) == 0 && len(txn.Changes) > 0 {
		log.Warn("normal transaction declares no locks", zap.Stringer("txn", txn.ID()))
	}
	result := &ApplyResult{
		Txn:            txn,
		Created:        core.NewObjectIDSet(),
		NewRoots:       make(map[string]core.ObjectID, len(txn.NewRoots)),
		BackReferences: core.NewObjectIDSet(),
	}
	for name, id := range txn.NewRoots {
		result.NewRoots[name] = id
		result.BackReferences.Add(id)
	}
	states := make(map[core.ObjectID]*core.ObjectState)
	stale := make(map[core.ObjectID]struct{})
	for i := range txn.Changes {
		ch := &txn.Changes[i]
		switch ch.Kind {
		case core.ChangeNewRoot:
			result.NewRoots[ch.RootName] = ch.ObjectID
			result.BackReferences.Add(ch.ObjectID)
			continue
		case core.ChangeFieldSet, core.ChangeLogicalOp:
		default:
			return nil, errors.Errorf("transaction %s has a %s change", txn.ID(), ch.Kind)
		}
		if _, ok := stale[ch.ObjectID]; ok {
			result.Skipped++
			continue
		}
		state, ok := states[ch.ObjectID]
		if !ok {
			var err error
			if state, err = m.checkOut(txn, ch, result.Created); err != nil {
				return nil, err
			}
			if !result.Created.Contains(ch.ObjectID) && !state.Version.IsNull() && !state.Version.LessThan(txn.GlobalTxnID) {
				log.Warn("skip changes on an object with a later version",
					zap.Stringer("txn", txn.ID()), zap.Stringer("object", ch.ObjectID),
					zap.Uint64("version", uint64(state.Version)), zap.Uint64("gid", uint64(txn.GlobalTxnID)))
				stale[ch.ObjectID] = struct{}{}
				result.Skipped++
				continue
			}
			states[ch.ObjectID] = state
			result.States = append(result.States, state)
		}
		if err := state.Apply(ch); err != nil {
			return nil, errors.WithMessage(err, txn.ID().String())
		}
		for _, ref := range ch.References() {
			result.BackReferences.Add(ref)
		}
	}
	for _, state := range result.States {
		state.Version = txn.GlobalTxnID
	}
	return result, nil
}

func (m *Manager) checkOut(txn *core.ServerTransaction, ch *core.Change, created *core.ObjectIDSet) (*core.ObjectState, error) {
	if !ch.IsNew && m.deps.Arena.Contains(ch.ObjectID) {
		return m.deps.Arena.Lookup(ch.ObjectID)
	}
	if ch.TypeName == "" {
		return nil, &core.MissingTypeError{Txn: txn.ID(), ObjectID: ch.ObjectID}
	}
	created.Add(ch.ObjectID)
	return core.NewObjectState(ch.ObjectID, ch.TypeName), nil
}
