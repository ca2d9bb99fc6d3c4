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

package lock

import (
	"time"

	"github.com/pingcap-incubator/tinydso/server/core"
)

type threadKey struct {
	node   core.NodeID
	thread core.ThreadID
}

type request struct {
	key   threadKey
	level core.LockLevel
	// timer is only set for try-lock requests.
	timer *time.Timer
}

type waiter struct {
	key     threadKey
	level   core.LockLevel
	timeout time.Duration
	timer   *time.Timer
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// serverLock is the state of one lock id. It is guarded by its stripe.
type serverLock struct {
	id      core.LockID
	holders map[threadKey]core.LockLevel
	// pending requests in arrival order.
	pending []*request
	// waiters in arrival order, detached from holding.
	waiters []*waiter
}

func newServerLock(id core.LockID) *serverLock {
	return &serverLock{
		id:      id,
		holders: make(map[threadKey]core.LockLevel),
	}
}

func (l *serverLock) isEmpty() bool {
	return len(l.holders) == 0 && len(l.pending) == 0 && len(l.waiters) == 0
}

func (l *serverLock) rwHolderCount() int {
	n := 0
	for _, level := range l.holders {
		if level.IsReadWrite() {
			n++
		}
	}
	return n
}

func (l *serverLock) isWriteHeld() bool {
	for _, level := range l.holders {
		if level == core.LockWrite {
			return true
		}
	}
	return false
}

func (l *serverLock) isReadHeld() bool {
	return l.rwHolderCount() > 0 && !l.isWriteHeld()
}

// canAward grants a read to a read-held lock only when nothing is pending,
// so queued writers are not starved.
func (l *serverLock) canAward(level core.LockLevel) bool {
	switch level {
	case core.LockConcurrent:
		return true
	case core.LockWrite:
		return l.rwHolderCount() == 0
	case core.LockRead:
		return l.rwHolderCount() == 0 || (l.isReadHeld() && len(l.pending) == 0)
	}
	return false
}

func (l *serverLock) award(key threadKey, level core.LockLevel, out *[]*Response) {
	l.holders[key] = level
	*out = append(*out, &Response{Kind: Award, LockID: l.id, Node: key.node, Thread: key.thread, Level: level})
}

func (l *serverLock) pendingIndex(key threadKey) int {
	for i, r := range l.pending {
		if r.key == key {
			return i
		}
	}
	return -1
}

func (l *serverLock) waiterIndex(key threadKey) int {
	for i, w := range l.waiters {
		if w.key == key {
			return i
		}
	}
	return -1
}

func (l *serverLock) removePending(i int) *request {
	r := l.pending[i]
	l.pending = append(l.pending[:i], l.pending[i+1:]...)
	stopTimer(r.timer)
	return r
}

func (l *serverLock) removeWaiter(i int) *waiter {
	w := l.waiters[i]
	l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
	stopTimer(w.timer)
	return w
}

// nextPending awards the head of the queue if it is compatible. A run of
// reads at the head is awarded together; a write ends the run.
func (l *serverLock) nextPending(out *[]*Response) {
	for len(l.pending) > 0 {
		head := l.pending[0]
		switch head.level {
		case core.LockWrite:
			if l.rwHolderCount() > 0 {
				return
			}
			l.removePending(0)
			l.award(head.key, head.level, out)
			return
		case core.LockRead:
			if l.isWriteHeld() {
				return
			}
		}
		l.removePending(0)
		l.award(head.key, head.level, out)
	}
}

// removeNode drops every hold, request and wait of node.
func (l *serverLock) removeNode(node core.NodeID) {
	for key := range l.holders {
		if key.node == node {
			delete(l.holders, key)
		}
	}
	pending := l.pending[:0]
	for _, r := range l.pending {
		if r.key.node == node {
			stopTimer(r.timer)
			continue
		}
		pending = append(pending, r)
	}
	l.pending = pending
	waiters := l.waiters[:0]
	for _, w := range l.waiters {
		if w.key.node == node {
			stopTimer(w.timer)
			continue
		}
		waiters = append(waiters, w)
	}
	l.waiters = waiters
}

func (l *serverLock) stopTimers() {
	for _, r := range l.pending {
		stopTimer(r.timer)
	}
	for _, w := range l.waiters {
		stopTimer(w.timer)
	}
}

func (l *serverLock) info() *LockInfo {
	info := &LockInfo{LockID: l.id}
	for key, level := range l.holders {
		info.Holders = append(info.Holders, core.LockContext{LockID: l.id, Node: key.node, Thread: key.thread, Level: level})
	}
	sortContexts(info.Holders)
	for _, r := range l.pending {
		info.Pending = append(info.Pending, core.LockContext{LockID: l.id, Node: r.key.node, Thread: r.key.thread, Level: r.level})
	}
	for _, w := range l.waiters {
		info.Waiters = append(info.Waiters, core.WaitContext{
			LockID: l.id, Node: w.key.node, Thread: w.key.thread, Level: w.level, Timeout: w.timeout,
		})
	}
	return info
}

func (l *serverLock) holderContexts() []core.LockContext {
	return l.info().Holders
}
