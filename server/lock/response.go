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
	"github.com/pingcap-incubator/tinydso/server/core"
)

// ResponseKind tells the client what happened to a request.
type ResponseKind int

const (
	// Award grants the lock.
	Award ResponseKind = iota + 1
	// NotAwarded rejects a try-lock whose timeout elapsed.
	NotAwarded
	// WaitTimeout ends a wait; the thread then re-acquires the lock.
	WaitTimeout
	// Info answers a lock query.
	Info
)

func (k ResponseKind) String() string {
	switch k {
	case Award:
		return "award"
	case NotAwarded:
		return "not-awarded"
	case WaitTimeout:
		return "wait-timeout"
	case Info:
		return "info"
	}
	return "unknown"
}

// Response is keyed by (LockID, Node, Thread).
type Response struct {
	Kind   ResponseKind   `json:"kind"`
	LockID core.LockID    `json:"lock_id"`
	Node   core.NodeID    `json:"node"`
	Thread core.ThreadID  `json:"thread"`
	Level  core.LockLevel `json:"level"`
	Info   *LockInfo      `json:"info,omitempty"`
}

// Sink receives responses. Send is called without any lock manager lock
// held, in the order responses were produced for a lock.
type Sink interface {
	Send(resp *Response)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(resp *Response)

func (f SinkFunc) Send(resp *Response) { f(resp) }

// LockInfo is a snapshot of one lock.
type LockInfo struct {
	LockID  core.LockID        `json:"lock_id"`
	Holders []core.LockContext `json:"holders"`
	Pending []core.LockContext `json:"pending"`
	Waiters []core.WaitContext `json:"waiters"`
}

// Status is the immediate outcome of a lock request.
type Status int

const (
	// Granted means an Award response was sent.
	Granted Status = iota + 1
	// Queued means the request waits behind incompatible holders.
	Queued
	// Rejected means a try-lock failed and NotAwarded was sent.
	Rejected
	// Deferred means the manager is not started; the request is replayed
	// by Start.
	Deferred
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}
