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

package core

import (
	"fmt"
)

// ObjectID identifies one shared object for its whole life.
type ObjectID uint64

// NullObjectID is never allocated; a field holding it references nothing.
const NullObjectID ObjectID = 0

func (id ObjectID) IsNull() bool { return id == NullObjectID }

func (id ObjectID) String() string {
	if id.IsNull() {
		return "ObjectID(null)"
	}
	return fmt.Sprintf("ObjectID(%d)", uint64(id))
}

// NodeID is the channel identity of a connected client process.
type NodeID string

// ThreadID is scoped to one node.
type ThreadID uint64

// TransactionID is the per node transaction sequence.
type TransactionID uint64

// GlobalTransactionID is the server assigned total order over transactions.
type GlobalTransactionID uint64

// NullGlobalTransactionID marks a transaction that was never given an order.
const NullGlobalTransactionID GlobalTransactionID = 0

func (gid GlobalTransactionID) IsNull() bool { return gid == NullGlobalTransactionID }

// LessThan reports whether gid was ordered before other. The null id sorts
// after everything so it never lowers a watermark.
func (gid GlobalTransactionID) LessThan(other GlobalTransactionID) bool {
	if gid.IsNull() {
		return false
	}
	if other.IsNull() {
		return true
	}
	return gid < other
}

// ServerTransactionID is the client side identity of a transaction.
type ServerTransactionID struct {
	Node  NodeID        `json:"node"`
	TxnID TransactionID `json:"txn_id"`
}

func (id ServerTransactionID) String() string {
	return fmt.Sprintf("%s:%d", id.Node, id.TxnID)
}

// LockID names a mutual exclusion domain.
type LockID string

// LockLevel is the mode a lock is held or requested in.
type LockLevel int

const (
	LockNil LockLevel = iota
	LockRead
	LockWrite
	// LockConcurrent never conflicts; it only records that the thread is in
	// a concurrent transaction on the lock.
	LockConcurrent
)

func (l LockLevel) String() string {
	switch l {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	case LockConcurrent:
		return "concurrent"
	}
	return "nil"
}

// ParseLockLevel parses the names String produces.
func ParseLockLevel(s string) (LockLevel, error) {
	switch s {
	case "read":
		return LockRead, nil
	case "write":
		return LockWrite, nil
	case "concurrent":
		return LockConcurrent, nil
	}
	return LockNil, fmt.Errorf("unknown lock level %q", s)
}

// IsReadWrite reports whether the level participates in mutual exclusion.
func (l LockLevel) IsReadWrite() bool {
	return l == LockRead || l == LockWrite
}
