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
	"time"
)

// TxnType is how a transaction relates to the locks it names.
type TxnType int

const (
	// NormalTxn applies under the locks it declared.
	NormalTxn TxnType = iota
	// ConcurrentTxn carries commutative changes and needs no locks.
	ConcurrentTxn
)

func (t TxnType) String() string {
	if t == ConcurrentTxn {
		return "concurrent"
	}
	return "normal"
}

// Value is a field or element value. A non-null Ref makes it a reference to
// another shared object, otherwise Data holds the literal bytes.
type Value struct {
	Ref  ObjectID `json:"ref,omitempty"`
	Data []byte   `json:"data,omitempty"`
}

// RefValue builds a reference value.
func RefValue(id ObjectID) Value { return Value{Ref: id} }

// LiteralValue builds a literal value.
func LiteralValue(b []byte) Value { return Value{Data: b} }

func (v Value) IsRef() bool { return !v.Ref.IsNull() }

// ChangeKind tags the payload of a Change.
type ChangeKind int

const (
	// ChangeFieldSet assigns Field = Value.
	ChangeFieldSet ChangeKind = iota + 1
	// ChangeLogicalOp applies Op with Args to the object's element list.
	ChangeLogicalOp
	// ChangeNewRoot binds RootName to the object.
	ChangeNewRoot
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeFieldSet:
		return "field-set"
	case ChangeLogicalOp:
		return "logical-op"
	case ChangeNewRoot:
		return "new-root"
	}
	return "unknown"
}

// LogicalOp is an operation on a collection-like object.
type LogicalOp int

const (
	LogicalAdd LogicalOp = iota + 1
	LogicalRemove
	LogicalClear
)

// Change is one decoded object change. Only the fields of its Kind are set.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	ObjectID ObjectID   `json:"object_id"`
	// TypeName is required for the first change of a new object.
	TypeName string `json:"type_name,omitempty"`
	IsNew    bool   `json:"is_new,omitempty"`

	Field string `json:"field,omitempty"`
	Value Value  `json:"value,omitempty"`

	Op   LogicalOp `json:"op,omitempty"`
	Args []Value   `json:"args,omitempty"`

	RootName string `json:"root_name,omitempty"`
}

// FieldSet builds a field assignment change.
func FieldSet(id ObjectID, field string, v Value) Change {
	return Change{Kind: ChangeFieldSet, ObjectID: id, Field: field, Value: v}
}

// LogicalChange builds a collection operation change.
func LogicalChange(id ObjectID, op LogicalOp, args ...Value) Change {
	return Change{Kind: ChangeLogicalOp, ObjectID: id, Op: op, Args: args}
}

// NewRoot builds a root binding change.
func NewRoot(name string, id ObjectID) Change {
	return Change{Kind: ChangeNewRoot, ObjectID: id, RootName: name}
}

// References returns the object ids the change points at.
func (c *Change) References() []ObjectID {
	var refs []ObjectID
	switch c.Kind {
	case ChangeFieldSet:
		if c.Value.IsRef() {
			refs = append(refs, c.Value.Ref)
		}
	case ChangeLogicalOp:
		for _, a := range c.Args {
			if a.IsRef() {
				refs = append(refs, a.Ref)
			}
		}
	}
	return refs
}

// Notify asks the lock manager to wake one or all waiters of a lock once the
// transaction is applied.
type Notify struct {
	LockID LockID   `json:"lock_id"`
	Node   NodeID   `json:"node"`
	Thread ThreadID `json:"thread"`
	All    bool     `json:"all"`
}

// ServerTransaction is one durable unit of change.
type ServerTransaction struct {
	Source      NodeID              `json:"source"`
	TxnID       TransactionID       `json:"txn_id"`
	GlobalTxnID GlobalTransactionID `json:"global_txn_id"`
	Type        TxnType             `json:"type"`
	LockIDs     []LockID            `json:"lock_ids"`
	Changes     []Change            `json:"changes"`
	// NewRoots is also expressed as ChangeNewRoot changes; the map is what
	// the broadcast receivers see.
	NewRoots map[string]ObjectID `json:"new_roots,omitempty"`
	Notifies []Notify            `json:"notifies,omitempty"`
	// LowWatermark is the sender's claim of the lowest gid it may resend.
	LowWatermark GlobalTransactionID `json:"low_watermark"`
}

// ID returns the client side identity.
func (t *ServerTransaction) ID() ServerTransactionID {
	return ServerTransactionID{Node: t.Source, TxnID: t.TxnID}
}

// ObjectIDs returns the ids of every object the transaction changes.
func (t *ServerTransaction) ObjectIDs() *ObjectIDSet {
	ids := NewObjectIDSet()
	for i := range t.Changes {
		if t.Changes[i].Kind != ChangeNewRoot {
			ids.Add(t.Changes[i].ObjectID)
		}
	}
	return ids
}

// NewObjectIDs returns the ids of the objects the transaction creates.
func (t *ServerTransaction) NewObjectIDs() *ObjectIDSet {
	ids := NewObjectIDSet()
	for i := range t.Changes {
		if t.Changes[i].IsNew {
			ids.Add(t.Changes[i].ObjectID)
		}
	}
	return ids
}

// LockContext is a held lock reported by a reconnecting client.
type LockContext struct {
	LockID LockID    `json:"lock_id"`
	Node   NodeID    `json:"node"`
	Thread ThreadID  `json:"thread"`
	Level  LockLevel `json:"level"`
}

// WaitContext is a wait-for-notify registration. A zero Timeout waits
// until notified.
type WaitContext struct {
	LockID  LockID        `json:"lock_id"`
	Node    NodeID        `json:"node"`
	Thread  ThreadID      `json:"thread"`
	Level   LockLevel     `json:"level"`
	Timeout time.Duration `json:"timeout"`
}

// ObjectIDBatch is a contiguous range of object ids granted to a client.
type ObjectIDBatch struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
}

// TxnState is the progress of a transaction in the global transaction store.
type TxnState int

const (
	TxnApplyInitiated TxnState = iota + 1
	TxnApplied
	TxnCommitted
)

// GlobalTransactionDescriptor records that a client transaction was given a
// global id, so a resend after reconnect is recognised.
type GlobalTransactionDescriptor struct {
	ID          ServerTransactionID `json:"id"`
	GlobalTxnID GlobalTransactionID `json:"gid"`
	State       TxnState            `json:"state"`
}
