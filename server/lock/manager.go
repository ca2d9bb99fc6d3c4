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
	"sort"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned for operations that need a started manager.
	ErrNotStarted = errors.New("lock manager is not started")
	// ErrNotStarting is returned by reestablishment after the handshake window.
	ErrNotStarting = errors.New("lock manager is not starting")
	// ErrStopped is returned once the manager is stopped.
	ErrStopped = errors.New("lock manager is stopped")
	// ErrAlreadyHeld is a request by a thread that already holds the lock.
	ErrAlreadyHeld = errors.New("lock already held by thread")
	// ErrAlreadyRequested is a request by a thread already queued on the lock.
	ErrAlreadyRequested = errors.New("lock already requested by thread")
	// ErrAlreadyWaiting is a request or wait by a thread in the wait set.
	ErrAlreadyWaiting = errors.New("thread is already waiting on lock")
	// ErrNotWriteHeld is a wait by a thread that does not hold the lock in
	// write mode.
	ErrNotWriteHeld = errors.New("wait requires the lock to be write held")
	// ErrInvalidLevel is a request in an unknown level.
	ErrInvalidLevel = errors.New("invalid lock level")
)

type managerState int

const (
	stateStarting managerState = iota
	stateStarted
	stateStopped
)

const defaultStripeCount = 64

type stripe struct {
	mu    sync.Mutex
	locks map[core.LockID]*serverLock
}

type deferredRequest struct {
	lockID  core.LockID
	key     threadKey
	level   core.LockLevel
	try     bool
	timeout time.Duration
}

// Manager is the cluster wide lock table. Grants are reported to the Sink;
// no call blocks waiting for a lock.
type Manager struct {
	stateMu  sync.RWMutex
	state    managerState
	deferMu  sync.Mutex
	deferred []*deferredRequest
	// reestablished waits whose timers are armed at Start.
	rewaits []core.WaitContext

	stripes []*stripe
	sink    Sink
}

// NewManager creates a manager in starting state. Lock requests made before
// Start are queued and replayed in order by Start.
func NewManager(sink Sink, stripeCount int) *Manager {
	if stripeCount <= 0 {
		stripeCount = defaultStripeCount
	}
	m := &Manager{
		stripes: make([]*stripe, stripeCount),
		sink:    sink,
	}
	for i := range m.stripes {
		m.stripes[i] = &stripe{locks: make(map[core.LockID]*serverLock)}
	}
	return m
}

func (m *Manager) stripeFor(id core.LockID) *stripe {
	return m.stripes[farm.Fingerprint64([]byte(id))%uint64(len(m.stripes))]
}

// withLock runs fn under the stripe of id. l is nil when the lock does not
// exist and create is false. Responses are sent after the stripe unlocks.
func (m *Manager) withLock(id core.LockID, create bool, fn func(l *serverLock, out *[]*Response) error) error {
	s := m.stripeFor(id)
	var out []*Response

	s.mu.Lock()
	l := s.locks[id]
	if l == nil && create {
		l = newServerLock(id)
		s.locks[id] = l
	}
	err := fn(l, &out)
	if l != nil && l.isEmpty() {
		delete(s.locks, id)
	}
	s.mu.Unlock()

	m.flush(out)
	return err
}

func (m *Manager) flush(out []*Response) {
	for _, resp := range out {
		responseCounter.WithLabelValues(resp.Kind.String()).Inc()
		m.sink.Send(resp)
	}
}

func (m *Manager) IsStarted() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state == stateStarted
}

// RequestLock grants the lock if compatible, otherwise queues the request
// FIFO behind the current holders.
func (m *Manager) RequestLock(lockID core.LockID, node core.NodeID, thread core.ThreadID, level core.LockLevel) (Status, error) {
	return m.request(&deferredRequest{lockID: lockID, key: threadKey{node, thread}, level: level})
}

// TryRequestLock is RequestLock that gives up after timeout. A zero timeout
// rejects at once when the lock cannot be granted.
func (m *Manager) TryRequestLock(lockID core.LockID, node core.NodeID, thread core.ThreadID, level core.LockLevel, timeout time.Duration) (Status, error) {
	return m.request(&deferredRequest{lockID: lockID, key: threadKey{node, thread}, level: level, try: true, timeout: timeout})
}

func (m *Manager) request(r *deferredRequest) (Status, error) {
	if r.level != core.LockRead && r.level != core.LockWrite && r.level != core.LockConcurrent {
		return 0, errors.Wrapf(ErrInvalidLevel, "level %d", r.level)
	}
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	switch m.state {
	case stateStarting:
		m.deferMu.Lock()
		m.deferred = append(m.deferred, r)
		m.deferMu.Unlock()
		requestCounter.WithLabelValues(Deferred.String()).Inc()
		return Deferred, nil
	case stateStopped:
		return 0, ErrStopped
	}
	return m.doRequest(r)
}

func (m *Manager) doRequest(r *deferredRequest) (Status, error) {
	var status Status
	err := m.withLock(r.lockID, true, func(l *serverLock, out *[]*Response) error {
		if _, ok := l.holders[r.key]; ok {
			return errors.Wrapf(ErrAlreadyHeld, "lock %s thread %s:%d", r.lockID, r.key.node, r.key.thread)
		}
		if l.pendingIndex(r.key) >= 0 {
			return errors.Wrapf(ErrAlreadyRequested, "lock %s thread %s:%d", r.lockID, r.key.node, r.key.thread)
		}
		if l.waiterIndex(r.key) >= 0 {
			return errors.Wrapf(ErrAlreadyWaiting, "lock %s thread %s:%d", r.lockID, r.key.node, r.key.thread)
		}
		if l.canAward(r.level) {
			l.award(r.key, r.level, out)
			status = Granted
			return nil
		}
		if r.try && r.timeout <= 0 {
			*out = append(*out, &Response{Kind: NotAwarded, LockID: l.id, Node: r.key.node, Thread: r.key.thread, Level: r.level})
			status = Rejected
			return nil
		}
		req := &request{key: r.key, level: r.level}
		if r.try {
			req.timer = time.AfterFunc(r.timeout, func() { m.tryLockTimeout(r.lockID, req) })
		}
		l.pending = append(l.pending, req)
		status = Queued
		return nil
	})
	if err == nil {
		requestCounter.WithLabelValues(status.String()).Inc()
	}
	return status, err
}

func (m *Manager) tryLockTimeout(lockID core.LockID, req *request) {
	if !m.IsStarted() {
		return
	}
	m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		if l == nil {
			return nil
		}
		for i, r := range l.pending {
			if r == req {
				l.removePending(i)
				*out = append(*out, &Response{Kind: NotAwarded, LockID: l.id, Node: r.key.node, Thread: r.key.thread, Level: r.level})
				// the rejected request may have been blocking reads behind it
				l.nextPending(out)
				return nil
			}
		}
		return nil
	})
}

// Unlock releases the hold of the thread and awards the next eligible
// requests. Releasing a lock that is not held is ignored.
func (m *Manager) Unlock(lockID core.LockID, node core.NodeID, thread core.ThreadID) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarted {
		return m.stateError()
	}
	return m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		key := threadKey{node, thread}
		if l == nil {
			log.Warn("unlock of a lock that is not held", zap.String("lock", string(lockID)),
				zap.String("node", string(node)), zap.Uint64("thread", uint64(thread)))
			return nil
		}
		if _, ok := l.holders[key]; !ok {
			log.Warn("unlock by a thread that does not hold the lock", zap.String("lock", string(lockID)),
				zap.String("node", string(node)), zap.Uint64("thread", uint64(thread)))
			return nil
		}
		delete(l.holders, key)
		l.nextPending(out)
		return nil
	})
}

// Wait moves the write holder into the wait set and releases its hold. The
// thread gets the lock back after a notify, or after timeout when it is
// positive.
func (m *Manager) Wait(lockID core.LockID, node core.NodeID, thread core.ThreadID, timeout time.Duration) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarted {
		return m.stateError()
	}
	return m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		key := threadKey{node, thread}
		if l == nil || l.holders[key] != core.LockWrite {
			return errors.Wrapf(ErrNotWriteHeld, "lock %s thread %s:%d", lockID, node, thread)
		}
		if l.waiterIndex(key) >= 0 {
			return errors.Wrapf(ErrAlreadyWaiting, "lock %s thread %s:%d", lockID, node, thread)
		}
		m.addWaiter(l, key, core.LockWrite, timeout)
		delete(l.holders, key)
		l.nextPending(out)
		return nil
	})
}

func (m *Manager) addWaiter(l *serverLock, key threadKey, level core.LockLevel, timeout time.Duration) *waiter {
	w := &waiter{key: key, level: level, timeout: timeout}
	l.waiters = append(l.waiters, w)
	m.armWaitTimer(l.id, w)
	return w
}

func (m *Manager) armWaitTimer(lockID core.LockID, w *waiter) {
	if w.timeout > 0 {
		w.timer = time.AfterFunc(w.timeout, func() { m.waitTimeout(lockID, w) })
	}
}

func (m *Manager) waitTimeout(lockID core.LockID, w *waiter) {
	if !m.IsStarted() {
		return
	}
	m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		if l == nil {
			return nil
		}
		for i, cur := range l.waiters {
			if cur == w {
				l.removeWaiter(i)
				*out = append(*out, &Response{Kind: WaitTimeout, LockID: l.id, Node: w.key.node, Thread: w.key.thread, Level: w.level})
				waitTimeoutCounter.Inc()
				m.reacquire(l, w, out)
				return nil
			}
		}
		return nil
	})
}

// reacquire awards a former waiter directly when nobody holds the lock,
// otherwise queues it.
func (m *Manager) reacquire(l *serverLock, w *waiter, out *[]*Response) {
	if l.rwHolderCount() == 0 && len(l.pending) == 0 {
		l.award(w.key, w.level, out)
		return
	}
	l.pending = append(l.pending, &request{key: w.key, level: w.level})
}

// Notify moves one waiter, or all with all set, from the wait set to the
// pending queue in wait order. They are awarded once the lock is free.
// The moved waiters are returned for the broadcast stage.
func (m *Manager) Notify(lockID core.LockID, node core.NodeID, thread core.ThreadID, all bool) ([]core.LockContext, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarted {
		return nil, m.stateError()
	}
	var notified []core.LockContext
	err := m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		if l == nil || len(l.waiters) == 0 {
			return nil
		}
		if l.waiterIndex(threadKey{node, thread}) >= 0 {
			return errors.Wrapf(ErrAlreadyWaiting, "thread %s:%d cannot notify lock %s it waits on", node, thread, lockID)
		}
		n := 1
		if all {
			n = len(l.waiters)
		}
		for i := 0; i < n; i++ {
			w := l.removeWaiter(0)
			l.pending = append(l.pending, &request{key: w.key, level: w.level})
			notified = append(notified, core.LockContext{LockID: lockID, Node: w.key.node, Thread: w.key.thread, Level: w.level})
		}
		l.nextPending(out)
		return nil
	})
	return notified, err
}

// Interrupt moves a waiting thread to the pending queue as if notified.
func (m *Manager) Interrupt(lockID core.LockID, node core.NodeID, thread core.ThreadID) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarted {
		return m.stateError()
	}
	return m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		var i int
		if l == nil {
			i = -1
		} else {
			i = l.waiterIndex(threadKey{node, thread})
		}
		if i < 0 {
			log.Warn("cannot interrupt a thread that is not waiting", zap.String("lock", string(lockID)),
				zap.String("node", string(node)), zap.Uint64("thread", uint64(thread)))
			return nil
		}
		w := l.removeWaiter(i)
		l.pending = append(l.pending, &request{key: w.key, level: w.level})
		l.nextPending(out)
		return nil
	})
}

// ReestablishLock recreates a hold a reconnecting client reports. Holds that
// cannot coexist are a fatal consistency error.
func (m *Manager) ReestablishLock(ctx core.LockContext) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarting {
		return ErrNotStarting
	}
	return m.withLock(ctx.LockID, true, func(l *serverLock, out *[]*Response) error {
		key := threadKey{ctx.Node, ctx.Thread}
		conflict := false
		switch ctx.Level {
		case core.LockWrite:
			conflict = l.rwHolderCount() > 0
		case core.LockRead:
			conflict = l.isWriteHeld()
		case core.LockConcurrent:
		default:
			return errors.Wrapf(ErrInvalidLevel, "level %d", ctx.Level)
		}
		if _, ok := l.holders[key]; ok {
			conflict = true
		}
		if conflict {
			err := &core.LockReestablishConflictError{Requested: ctx, Holders: l.holderContexts()}
			log.Error("lock reestablishment conflict", zap.Error(err))
			return err
		}
		l.holders[key] = ctx.Level
		return nil
	})
}

// ReestablishWait recreates a wait a reconnecting client reports. Its
// timeout starts counting at Start.
func (m *Manager) ReestablishWait(ctx core.WaitContext) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != stateStarting {
		return ErrNotStarting
	}
	return m.withLock(ctx.LockID, true, func(l *serverLock, out *[]*Response) error {
		key := threadKey{ctx.Node, ctx.Thread}
		if l.waiterIndex(key) >= 0 || l.pendingIndex(key) >= 0 {
			log.Debug("ignore a wait that is already known", zap.String("lock", string(ctx.LockID)),
				zap.String("node", string(ctx.Node)), zap.Uint64("thread", uint64(ctx.Thread)))
			return nil
		}
		level := ctx.Level
		if level == core.LockNil {
			level = core.LockWrite
		}
		l.waiters = append(l.waiters, &waiter{key: key, level: level, timeout: ctx.Timeout})
		if ctx.Timeout > 0 {
			m.deferMu.Lock()
			m.rewaits = append(m.rewaits, ctx)
			m.deferMu.Unlock()
		}
		return nil
	})
}

// Start leaves the starting state: reestablished waits start timing out
// and deferred requests are processed in arrival order.
func (m *Manager) Start() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.state != stateStarting {
		return
	}
	m.state = stateStarted

	m.deferMu.Lock()
	deferred, rewaits := m.deferred, m.rewaits
	m.deferred, m.rewaits = nil, nil
	m.deferMu.Unlock()

	for _, ctx := range rewaits {
		m.withLock(ctx.LockID, false, func(l *serverLock, out *[]*Response) error {
			if l == nil {
				return nil
			}
			if i := l.waiterIndex(threadKey{ctx.Node, ctx.Thread}); i >= 0 && l.waiters[i].timer == nil {
				m.armWaitTimer(l.id, l.waiters[i])
			}
			return nil
		})
	}
	for _, r := range deferred {
		if _, err := m.doRequest(r); err != nil {
			log.Warn("deferred lock request failed", zap.String("lock", string(r.lockID)),
				zap.String("node", string(r.key.node)), zap.Error(err))
		}
	}
	log.Info("lock manager started", zap.Int("deferred-requests", len(deferred)), zap.Int("timed-waits", len(rewaits)))
}

// Stop cancels every timer. Later calls fail with ErrStopped.
func (m *Manager) Stop() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = stateStopped
	for _, s := range m.stripes {
		s.mu.Lock()
		for _, l := range s.locks {
			l.stopTimers()
		}
		s.mu.Unlock()
	}
}

func (m *Manager) stateError() error {
	if m.state == stateStopped {
		return ErrStopped
	}
	return ErrNotStarted
}

// ClearAllLocksFor drops every hold, request and wait of a disconnected node
// and awards what that frees.
func (m *Manager) ClearAllLocksFor(node core.NodeID) {
	m.deferMu.Lock()
	deferred := m.deferred[:0]
	for _, r := range m.deferred {
		if r.key.node != node {
			deferred = append(deferred, r)
		}
	}
	m.deferred = deferred
	rewaits := m.rewaits[:0]
	for _, ctx := range m.rewaits {
		if ctx.Node != node {
			rewaits = append(rewaits, ctx)
		}
	}
	m.rewaits = rewaits
	m.deferMu.Unlock()

	cleared := 0
	for _, s := range m.stripes {
		var out []*Response
		s.mu.Lock()
		for id, l := range s.locks {
			before := len(l.holders) + len(l.pending) + len(l.waiters)
			l.removeNode(node)
			if len(l.holders)+len(l.pending)+len(l.waiters) != before {
				cleared++
				l.nextPending(&out)
			}
			if l.isEmpty() {
				delete(s.locks, id)
			}
		}
		s.mu.Unlock()
		m.flush(out)
	}
	log.Info("cleared locks of node", zap.String("node", string(node)), zap.Int("locks", cleared))
}

// QueryLock sends an Info response about lockID to the asking thread.
func (m *Manager) QueryLock(lockID core.LockID, node core.NodeID, thread core.ThreadID) {
	info := &LockInfo{LockID: lockID}
	if l, err := m.Snapshot(lockID); err == nil {
		info = l
	}
	m.flush([]*Response{{Kind: Info, LockID: lockID, Node: node, Thread: thread, Info: info}})
}

// Snapshot returns the state of lockID, or a *core.LockNotFoundErr.
func (m *Manager) Snapshot(lockID core.LockID) (*LockInfo, error) {
	var info *LockInfo
	m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		if l != nil {
			info = l.info()
		}
		return nil
	})
	if info == nil {
		return nil, &core.LockNotFoundErr{LockID: lockID}
	}
	return info, nil
}

// IsHeldBy reports whether the thread holds lockID in level.
func (m *Manager) IsHeldBy(lockID core.LockID, node core.NodeID, thread core.ThreadID, level core.LockLevel) bool {
	held := false
	m.withLock(lockID, false, func(l *serverLock, out *[]*Response) error {
		if l != nil {
			held = l.holders[threadKey{node, thread}] == level
		}
		return nil
	})
	return held
}

// Locks returns a snapshot of every lock ordered by id.
func (m *Manager) Locks() []*LockInfo {
	var infos []*LockInfo
	for _, s := range m.stripes {
		s.mu.Lock()
		for _, l := range s.locks {
			infos = append(infos, l.info())
		}
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LockID < infos[j].LockID })
	return infos
}

func sortContexts(ctxs []core.LockContext) {
	sort.Slice(ctxs, func(i, j int) bool {
		if ctxs[i].Node != ctxs[j].Node {
			return ctxs[i].Node < ctxs[j].Node
		}
		return ctxs[i].Thread < ctxs[j].Thread
	})
}
