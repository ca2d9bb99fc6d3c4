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
	"bytes"

	"github.com/pkg/errors"
)

// ObjectState is the server side image of one shared object: its type, the
// version (gid) of the last transaction applied to it, and its fields and
// collection elements.
type ObjectState struct {
	ID       ObjectID            `json:"id"`
	TypeName string              `json:"type"`
	Version  GlobalTransactionID `json:"version"`
	Fields   map[string]Value    `json:"fields,omitempty"`
	Elements []Value             `json:"elements,omitempty"`
}

// NewObjectState creates an empty object of the given type.
func NewObjectState(id ObjectID, typeName string) *ObjectState {
	return &ObjectState{
		ID:       id,
		TypeName: typeName,
		Fields:   make(map[string]Value),
	}
}

// References returns every object id the state points at.
func (o *ObjectState) References() *ObjectIDSet {
	refs := NewObjectIDSet()
	for _, v := range o.Fields {
		if v.IsRef() {
			refs.Add(v.Ref)
		}
	}
	for _, v := range o.Elements {
		if v.IsRef() {
			refs.Add(v.Ref)
		}
	}
	return refs
}

// Apply mutates the state with one change. Root bindings are not object
// state and are rejected.
func (o *ObjectState) Apply(c *Change) error {
	switch c.Kind {
	case ChangeFieldSet:
		if o.Fields == nil {
			o.Fields = make(map[string]Value)
		}
		o.Fields[c.Field] = c.Value
	case ChangeLogicalOp:
		switch c.Op {
		case LogicalAdd:
			o.Elements = append(o.Elements, c.Args...)
		case LogicalRemove:
			for _, a := range c.Args {
				o.removeElement(a)
			}
		case LogicalClear:
			o.Elements = nil
		default:
			return errors.Errorf("unknown logical op %d on %s", c.Op, o.ID)
		}
	default:
		return errors.Errorf("%s change cannot be applied to %s", c.Kind, o.ID)
	}
	return nil
}

func (o *ObjectState) removeElement(v Value) {
	for i, e := range o.Elements {
		if e.Ref == v.Ref && bytes.Equal(e.Data, v.Data) {
			o.Elements = append(o.Elements[:i], o.Elements[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy.
func (o *ObjectState) Clone() *ObjectState {
	c := &ObjectState{
		ID:       o.ID,
		TypeName: o.TypeName,
		Version:  o.Version,
		Fields:   make(map[string]Value, len(o.Fields)),
	}
	for k, v := range o.Fields {
		c.Fields[k] = v
	}
	if o.Elements != nil {
		c.Elements = append([]Value(nil), o.Elements...)
	}
	return c
}
