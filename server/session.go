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

package server

import (
	"sync"

	"github.com/pingcap-incubator/tinydso/server/broadcast"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/handshake"
	"github.com/pingcap-incubator/tinydso/server/lock"
	"github.com/pingcap-incubator/tinydso/server/tx"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a message is addressed to a node with
// no open session.
var ErrSessionNotFound = errors.New("session not found")

// Session is the server end of one client connection. The wire codec lives
// behind it; the server only hands it decoded records.
type Session interface {
	Node() core.NodeID
	SendLockResponse(resp *lock.Response) error
	SendTxnAck(ack *tx.Ack) error
	SendBroadcast(msg *broadcast.Message) error
	SendHandshakeAck(ack *handshake.Ack) error
	Close() error
}

// sessions routes what the managers produce to the open sessions.
type sessions struct {
	sync.RWMutex
	m map[core.NodeID]Session
	// onFailure runs when a manager asks to terminate a session. It is
	// called on a new goroutine.
	onFailure func(node core.NodeID, err error)
}

func newSessions() *sessions {
	return &sessions{m: make(map[core.NodeID]Session)}
}

func (s *sessions) add(sess Session) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[sess.Node()]; ok {
		return false
	}
	s.m[sess.Node()] = sess
	return true
}

func (s *sessions) remove(node core.NodeID) Session {
	s.Lock()
	defer s.Unlock()
	sess := s.m[node]
	delete(s.m, node)
	return sess
}

func (s *sessions) get(node core.NodeID) Session {
	s.RLock()
	defer s.RUnlock()
	return s.m[node]
}

func (s *sessions) len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Send implements lock.Sink.
func (s *sessions) Send(resp *lock.Response) {
	sess := s.get(resp.Node)
	if sess == nil {
		log.Debug("drop lock response for a closed session", zap.String("node", string(resp.Node)),
			zap.String("lock", string(resp.LockID)), zap.Stringer("kind", resp.Kind))
		return
	}
	if err := sess.SendLockResponse(resp); err != nil {
		log.Warn("send lock response failed", zap.String("node", string(resp.Node)), zap.Error(err))
	}
}

// SendAck implements tx.AckSink.
func (s *sessions) SendAck(ack *tx.Ack) {
	sess := s.get(ack.Committer)
	if sess == nil {
		log.Debug("drop transaction ack for a closed session", zap.String("node", string(ack.Committer)))
		return
	}
	if err := sess.SendTxnAck(ack); err != nil {
		log.Warn("send transaction ack failed", zap.String("node", string(ack.Committer)), zap.Error(err))
	}
}

// Deliver implements broadcast.Sink.
func (s *sessions) Deliver(msg *broadcast.Message) error {
	sess := s.get(msg.Receiver)
	if sess == nil {
		return errors.Wrapf(ErrSessionNotFound, "node %s", msg.Receiver)
	}
	return sess.SendBroadcast(msg)
}

// SendHandshakeAck implements handshake.AckSink.
func (s *sessions) SendHandshakeAck(ack *handshake.Ack) {
	sess := s.get(ack.Node)
	if sess == nil {
		log.Warn("drop handshake ack for a closed session", zap.String("node", string(ack.Node)))
		return
	}
	if err := sess.SendHandshakeAck(ack); err != nil {
		log.Warn("send handshake ack failed", zap.String("node", string(ack.Node)), zap.Error(err))
	}
}

// CloseSession implements tx.SessionCloser.
func (s *sessions) CloseSession(node core.NodeID, err error) {
	log.Error("terminate session", zap.String("node", string(node)), zap.Error(err))
	if s.onFailure != nil {
		go s.onFailure(node, err)
	}
}
