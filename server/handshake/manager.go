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

package handshake

import (
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap-incubator/tinydso/pkg/typeutil"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/lock"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State of the handshake manager.
type State int

// Handshake manager states. STARTED is terminal until the process restarts.
const (
	StateInit State = iota
	StateStarting
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	}
	return "unknown"
}

// DefaultObjectIDBatchSize is the number of object ids granted per request.
const DefaultObjectIDBatchSize = 10000

var (
	ErrObjectsAfterStart   = errors.New("client sent object references after the cluster started")
	ErrLocksAfterStart     = errors.New("client sent lock contexts after the cluster started")
	ErrResendsAfterStart   = errors.New("client sent resent transactions after the cluster started")
	ErrUnexpectedClient    = errors.New("client is not expected while the cluster is starting")
	ErrDuplicateHandshake  = errors.New("client is already connected")
	ErrIncompatibleVersion = errors.New("client version is incompatible with the cluster version")
	ErrNotStarting         = errors.New("handshake manager is not initialized")
	ErrAlreadyStarting     = errors.New("handshake manager already left the init state")
)

// Handshake is what a connecting client reports about itself.
type Handshake struct {
	Node                 core.NodeID          `json:"node"`
	ClientVersion        string               `json:"client-version"`
	ObjectIDs            []core.ObjectID      `json:"object-ids,omitempty"`
	Locks                []core.LockContext   `json:"locks,omitempty"`
	Waits                []core.WaitContext   `json:"waits,omitempty"`
	PendingLocks         []core.LockContext   `json:"pending-locks,omitempty"`
	// TryPendingLocks carry the remaining try-lock timeout.
	TryPendingLocks      []core.WaitContext   `json:"try-pending-locks,omitempty"`
	ResentTxnIDs         []core.TransactionID `json:"resent-txn-ids,omitempty"`
	RequestObjectIDBatch bool                 `json:"request-object-id-batch"`
}

func (h *Handshake) hasLocks() bool {
	return len(h.Locks) > 0 || len(h.Waits) > 0 || len(h.PendingLocks) > 0 || len(h.TryPendingLocks) > 0
}

// Ack is the handshake acknowledgement sent to a client.
type Ack struct {
	Node               core.NodeID         `json:"node"`
	ConnectionAccepted bool                `json:"connection-accepted"`
	ObjectIDBatch      *core.ObjectIDBatch `json:"object-id-batch,omitempty"`
	ServerVersion      string              `json:"server-version"`
	Reconnected        bool                `json:"reconnected"`
}

// AckSink delivers acknowledgements. It must not call back into the
// Manager.
type AckSink interface {
	SendHandshakeAck(ack *Ack)
}

// LockManager is the part of *lock.Manager used to reestablish state.
type LockManager interface {
	ReestablishLock(ctx core.LockContext) error
	ReestablishWait(ctx core.WaitContext) error
	RequestLock(lockID core.LockID, node core.NodeID, thread core.ThreadID, level core.LockLevel) (lock.Status, error)
	TryRequestLock(lockID core.LockID, node core.NodeID, thread core.ThreadID, level core.LockLevel, timeout time.Duration) (lock.Status, error)
	ClearAllLocksFor(node core.NodeID)
	Start()
}

// TxnManager is the part of *tx.Manager used by the handshake.
type TxnManager interface {
	SetResentTransactionIDs(node core.NodeID, ids []core.TransactionID)
	StartupNode(node core.NodeID)
	ShutdownNode(node core.NodeID)
	Start(cids []core.NodeID)
}

// ClientReferences keeps the object ids known per client.
// *clientstate.Manager is one.
type ClientReferences interface {
	StartupNode(node core.NodeID)
	AddReferences(node core.NodeID, ids ...core.ObjectID)
}

// IDAllocator hands out object id batches. *idgen.Sequence is one.
type IDAllocator interface {
	NextBatch(n uint64) (uint64, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Locks   LockManager
	Txns    TxnManager
	Clients ClientReferences
	IDs     IDAllocator
	Acks    AckSink
	// Storage remembers connected clients across restarts. It may be nil.
	Storage *core.Storage
}

// Config of a Manager.
type Config struct {
	ReconnectWindow   time.Duration
	ObjectIDBatchSize uint64
	ClusterVersion    string
}

// Manager runs the startup and reconnection protocol. Handshakes are
// serialized with each other and with the reconnect timeout.
type Manager struct {
	mu sync.Mutex

	deps           Deps
	window         time.Duration
	batchSize      uint64
	clusterVersion *semver.Version

	state       State
	outstanding map[core.NodeID]struct{}
	connected   map[core.NodeID]struct{}
	// acks of reconnected clients, sent at start.
	pendingAcks []*Ack
	timer       *time.Timer
	deadline    time.Time
	evicted     []core.NodeID
}

func NewManager(deps Deps, cfg Config) (*Manager, error) {
	version, err := core.ParseVersion(cfg.ClusterVersion)
	if err != nil {
		return nil, err
	}
	batchSize := cfg.ObjectIDBatchSize
	if batchSize == 0 {
		batchSize = DefaultObjectIDBatchSize
	}
	return &Manager{
		deps:           deps,
		window:         cfg.ReconnectWindow,
		batchSize:      batchSize,
		clusterVersion: version,
		state:          StateInit,
		outstanding:    make(map[core.NodeID]struct{}),
		connected:      make(map[core.NodeID]struct{}),
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetStarting is called once with the clients connected before the
// restart. With none the cluster starts right away, otherwise they have the
// reconnect window to come back.
func (m *Manager) SetStarting(existing []core.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInit {
		return ErrAlreadyStarting
	}
	m.state = StateStarting
	stateGauge.Set(float64(StateStarting))
	for _, node := range existing {
		m.outstanding[node] = struct{}{}
	}
	if len(m.outstanding) == 0 {
		m.startLocked()
		return nil
	}
	log.Info("waiting for clients to reconnect", zap.Int("clients", len(m.outstanding)), zap.Duration("window", m.window))
	m.deadline = time.Now().Add(m.window)
	m.timer = time.AfterFunc(m.window, m.NotifyTimeout)
	return nil
}

// NotifyClientConnect processes a handshake. An error means the session of
// the client must be closed.
func (m *Manager) NotifyClientConnect(h *Handshake) error {
	if err := m.checkVersion(h); err != nil {
		handshakeCounter.WithLabelValues("incompatible").Inc()
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	switch m.state {
	case StateStarting:
		err = m.reconnectLocked(h)
	case StateStarted:
		err = m.connectLocked(h)
	default:
		err = ErrNotStarting
	}
	if err != nil {
		handshakeCounter.WithLabelValues("rejected").Inc()
		log.Warn("handshake rejected", zap.String("node", string(h.Node)), zap.Error(err))
		return err
	}
	handshakeCounter.WithLabelValues("accepted").Inc()
	return nil
}

func (m *Manager) checkVersion(h *Handshake) error {
	v, err := core.ParseVersion(h.ClientVersion)
	if err != nil {
		return errors.Wrapf(ErrIncompatibleVersion, "node %s: %v", h.Node, err)
	}
	if !core.IsCompatible(*m.clusterVersion, *v) {
		return errors.Wrapf(ErrIncompatibleVersion, "node %s: client %s, cluster %s", h.Node, v, m.clusterVersion)
	}
	return nil
}

func (m *Manager) reconnectLocked(h *Handshake) error {
	if _, ok := m.connected[h.Node]; ok {
		return errors.Wrapf(ErrDuplicateHandshake, "node %s", h.Node)
	}
	if _, ok := m.outstanding[h.Node]; !ok {
		return errors.Wrapf(ErrUnexpectedClient, "node %s", h.Node)
	}
	ack, err := m.newAckLocked(h, true)
	if err != nil {
		return err
	}
	if err := m.reestablishLocked(h); err != nil {
		// the client claimed state that cannot be true: treat it as gone.
		delete(m.outstanding, h.Node)
		m.evictLocked(h.Node)
		m.maybeStartLocked()
		return err
	}
	delete(m.outstanding, h.Node)
	m.connected[h.Node] = struct{}{}
	m.pendingAcks = append(m.pendingAcks, ack)
	log.Info("client reconnected", zap.String("node", string(h.Node)),
		zap.Int("objects", len(h.ObjectIDs)), zap.Int("locks", len(h.Locks)),
		zap.Int("waits", len(h.Waits)), zap.Int("resends", len(h.ResentTxnIDs)),
		zap.Int("outstanding", len(m.outstanding)))
	m.maybeStartLocked()
	return nil
}

func (m *Manager) reestablishLocked(h *Handshake) error {
	node := h.Node
	m.deps.Clients.StartupNode(node)
	m.deps.Clients.AddReferences(node, h.ObjectIDs...)
	m.deps.Txns.StartupNode(node)
	for _, ctx := range h.Locks {
		ctx.Node = node
		if err := m.deps.Locks.ReestablishLock(ctx); err != nil {
			return err
		}
	}
	for _, ctx := range h.Waits {
		ctx.Node = node
		if err := m.deps.Locks.ReestablishWait(ctx); err != nil {
			return err
		}
	}
	for _, ctx := range h.PendingLocks {
		if _, err := m.deps.Locks.RequestLock(ctx.LockID, node, ctx.Thread, ctx.Level); err != nil {
			return err
		}
	}
	for _, ctx := range h.TryPendingLocks {
		if _, err := m.deps.Locks.TryRequestLock(ctx.LockID, node, ctx.Thread, ctx.Level, ctx.Timeout); err != nil {
			return err
		}
	}
	if len(h.ResentTxnIDs) > 0 {
		m.deps.Txns.SetResentTransactionIDs(node, h.ResentTxnIDs)
	}
	return nil
}

func (m *Manager) connectLocked(h *Handshake) error {
	if _, ok := m.connected[h.Node]; ok {
		return errors.Wrapf(ErrDuplicateHandshake, "node %s", h.Node)
	}
	switch {
	case len(h.ObjectIDs) > 0:
		return errors.Wrapf(ErrObjectsAfterStart, "node %s", h.Node)
	case h.hasLocks():
		return errors.Wrapf(ErrLocksAfterStart, "node %s", h.Node)
	case len(h.ResentTxnIDs) > 0:
		return errors.Wrapf(ErrResendsAfterStart, "node %s", h.Node)
	}
	ack, err := m.newAckLocked(h, false)
	if err != nil {
		return err
	}
	m.deps.Clients.StartupNode(h.Node)
	m.deps.Txns.StartupNode(h.Node)
	m.connected[h.Node] = struct{}{}
	m.saveClient(h.Node)
	m.deps.Acks.SendHandshakeAck(ack)
	log.Info("client connected", zap.String("node", string(h.Node)))
	return nil
}

// newAckLocked fails if the requested id batch cannot be allocated; the
// client is refused rather than accepted without ids.
func (m *Manager) newAckLocked(h *Handshake, reconnected bool) (*Ack, error) {
	ack := &Ack{
		Node:               h.Node,
		ConnectionAccepted: true,
		ServerVersion:      m.clusterVersion.String(),
		Reconnected:        reconnected,
	}
	if h.RequestObjectIDBatch {
		start, err := m.deps.IDs.NextBatch(m.batchSize)
		if err != nil {
			log.Error("allocate object id batch failed", zap.String("node", string(h.Node)), zap.Error(err))
			return nil, errors.Wrapf(err, "node %s", h.Node)
		}
		ack.ObjectIDBatch = &core.ObjectIDBatch{Start: start, Size: m.batchSize}
	}
	return ack, nil
}

// NotifyTimeout closes the reconnect window: clients that did not come back
// are evicted and the cluster starts without them.
func (m *Manager) NotifyTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStarting {
		return
	}
	nodes := make([]core.NodeID, 0, len(m.outstanding))
	for node := range m.outstanding {
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	log.Warn("reconnect window elapsed", zap.Int("evicted", len(nodes)))
	for _, node := range nodes {
		delete(m.outstanding, node)
		m.evictLocked(node)
	}
	m.startLocked()
}

func (m *Manager) evictLocked(node core.NodeID) {
	m.deps.Locks.ClearAllLocksFor(node)
	m.deps.Txns.ShutdownNode(node)
	m.removeClient(node)
	m.evicted = append(m.evicted, node)
	evictedCounter.Inc()
	log.Info("client evicted", zap.String("node", string(node)))
}

func (m *Manager) maybeStartLocked() {
	if len(m.outstanding) == 0 {
		m.startLocked()
	}
}

func (m *Manager) startLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = StateStarted
	stateGauge.Set(float64(StateStarted))
	m.deps.Locks.Start()
	cids := m.connectedLocked()
	m.deps.Txns.Start(cids)
	for _, ack := range m.pendingAcks {
		m.deps.Acks.SendHandshakeAck(ack)
	}
	m.pendingAcks = nil
	log.Info("cluster started", zap.Int("clients", len(cids)), zap.Int("evicted", len(m.evicted)))
}

// ClientDisconnected forgets a client whose session ended.
func (m *Manager) ClientDisconnected(node core.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connected[node]; !ok {
		return
	}
	delete(m.connected, node)
	m.removeClient(node)
}

func (m *Manager) saveClient(node core.NodeID) {
	if m.deps.Storage == nil {
		return
	}
	if err := m.deps.Storage.SaveClient(node); err != nil {
		log.Warn("save client failed", zap.String("node", string(node)), zap.Error(err))
	}
}

func (m *Manager) removeClient(node core.NodeID) {
	if m.deps.Storage == nil {
		return
	}
	if err := m.deps.Storage.RemoveClient(node); err != nil {
		log.Warn("remove client failed", zap.String("node", string(node)), zap.Error(err))
	}
}

func (m *Manager) connectedLocked() []core.NodeID {
	nodes := make([]core.NodeID, 0, len(m.connected))
	for node := range m.connected {
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return nodes
}

// Status is a snapshot for the status API.
type Status struct {
	State       string            `json:"state"`
	Outstanding []core.NodeID     `json:"outstanding"`
	Connected   []core.NodeID     `json:"connected"`
	Evicted     []core.NodeID     `json:"evicted"`
	Remaining   typeutil.Duration `json:"remaining"`
}

func (m *Manager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	outstanding := make([]core.NodeID, 0, len(m.outstanding))
	for node := range m.outstanding {
		outstanding = append(outstanding, node)
	}
	sortNodes(outstanding)
	s := &Status{
		State:       m.state.String(),
		Outstanding: outstanding,
		Connected:   m.connectedLocked(),
		Evicted:     append([]core.NodeID(nil), m.evicted...),
	}
	if m.state == StateStarting {
		s.Remaining = typeutil.NewDuration(time.Until(m.deadline))
	}
	return s
}

func sortNodes(nodes []core.NodeID) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
}
