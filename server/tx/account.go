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

	"github.com/pingcap-incubator/tinydso/server/core"
)

// account tracks the transactions of one committer between commit and
// acknowledgement. A transaction is acknowledged once its broadcast is
// done and every receiver acknowledged it.
type account struct {
	node         core.NodeID
	lowWatermark core.GlobalTransactionID
	// broadcasting holds transactions whose broadcast has not completed.
	broadcasting map[core.TransactionID]struct{}
	waitees      map[core.TransactionID]map[core.NodeID]struct{}
}

func newAccount(node core.NodeID) *account {
	return &account{
		node:         node,
		broadcasting: make(map[core.TransactionID]struct{}),
		waitees:      make(map[core.TransactionID]map[core.NodeID]struct{}),
	}
}

// setLowWatermark only moves the claim forward.
func (a *account) setLowWatermark(gid core.GlobalTransactionID) bool {
	if gid.IsNull() || (!a.lowWatermark.IsNull() && !a.lowWatermark.LessThan(gid)) {
		return false
	}
	a.lowWatermark = gid
	return true
}

func (a *account) broadcastStarted(txnID core.TransactionID) {
	a.broadcasting[txnID] = struct{}{}
}

func (a *account) addWaitee(txnID core.TransactionID, waitee core.NodeID) {
	w, ok := a.waitees[txnID]
	if !ok {
		w = make(map[core.NodeID]struct{})
		a.waitees[txnID] = w
	}
	w[waitee] = struct{}{}
}

func (a *account) ackable(txnID core.TransactionID) bool {
	_, broadcasting := a.broadcasting[txnID]
	return !broadcasting && len(a.waitees[txnID]) == 0
}

// removeWaitee reports whether txnID became acknowledgeable.
func (a *account) removeWaitee(txnID core.TransactionID, waitee core.NodeID) bool {
	w, ok := a.waitees[txnID]
	if !ok {
		return false
	}
	if _, ok := w[waitee]; !ok {
		return false
	}
	delete(w, waitee)
	if len(w) > 0 {
		return false
	}
	delete(a.waitees, txnID)
	return a.ackable(txnID)
}

// broadcastCompleted reports whether txnID became acknowledgeable.
func (a *account) broadcastCompleted(txnID core.TransactionID) bool {
	if _, ok := a.broadcasting[txnID]; !ok {
		return false
	}
	delete(a.broadcasting, txnID)
	return a.ackable(txnID)
}

// removeAllWaitee drops waitee everywhere and returns the transactions that
// became acknowledgeable, in order.
func (a *account) removeAllWaitee(waitee core.NodeID) []core.TransactionID {
	var done []core.TransactionID
	for txnID, w := range a.waitees {
		if _, ok := w[waitee]; !ok {
			continue
		}
		delete(w, waitee)
		if len(w) == 0 {
			delete(a.waitees, txnID)
			if a.ackable(txnID) {
				done = append(done, txnID)
			}
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i] < done[j] })
	return done
}

func (a *account) hasPending() bool {
	return len(a.broadcasting) > 0 || len(a.waitees) > 0
}
