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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/btree"
)

const objectIDSetDegree = 32

type idItem ObjectID

func (i idItem) Less(than btree.Item) bool {
	return i < than.(idItem)
}

// ObjectIDSet is an ordered set of object ids. It is not safe for concurrent
// use.
type ObjectIDSet struct {
	tree *btree.BTree
}

// NewObjectIDSet creates a set holding ids.
func NewObjectIDSet(ids ...ObjectID) *ObjectIDSet {
	s := &ObjectIDSet{tree: btree.New(objectIDSetDegree)}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was absent.
func (s *ObjectIDSet) Add(id ObjectID) bool {
	return s.tree.ReplaceOrInsert(idItem(id)) == nil
}

// Remove deletes id and reports whether it was present.
func (s *ObjectIDSet) Remove(id ObjectID) bool {
	return s.tree.Delete(idItem(id)) != nil
}

func (s *ObjectIDSet) Contains(id ObjectID) bool {
	return s.tree.Has(idItem(id))
}

func (s *ObjectIDSet) Len() int {
	return s.tree.Len()
}

func (s *ObjectIDSet) IsEmpty() bool {
	return s.tree.Len() == 0
}

// AddAll inserts every id of other.
func (s *ObjectIDSet) AddAll(other *ObjectIDSet) {
	other.Ascend(func(id ObjectID) bool {
		s.Add(id)
		return true
	})
}

// RemoveAll deletes every id of other.
func (s *ObjectIDSet) RemoveAll(other *ObjectIDSet) {
	other.Ascend(func(id ObjectID) bool {
		s.Remove(id)
		return true
	})
}

// RetainAll keeps only the ids also present in other.
func (s *ObjectIDSet) RetainAll(other *ObjectIDSet) {
	var drop []ObjectID
	s.Ascend(func(id ObjectID) bool {
		if !other.Contains(id) {
			drop = append(drop, id)
		}
		return true
	})
	for _, id := range drop {
		s.Remove(id)
	}
}

// Ascend calls fn for each id in increasing order until fn returns false.
func (s *ObjectIDSet) Ascend(fn func(id ObjectID) bool) {
	s.tree.Ascend(func(i btree.Item) bool {
		return fn(ObjectID(i.(idItem)))
	})
}

// Min returns the smallest id, or NullObjectID for an empty set.
func (s *ObjectIDSet) Min() ObjectID {
	if i := s.tree.Min(); i != nil {
		return ObjectID(i.(idItem))
	}
	return NullObjectID
}

// Slice returns the ids in increasing order.
func (s *ObjectIDSet) Slice() []ObjectID {
	ids := make([]ObjectID, 0, s.Len())
	s.Ascend(func(id ObjectID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Clone returns an independent copy.
func (s *ObjectIDSet) Clone() *ObjectIDSet {
	c := NewObjectIDSet()
	c.AddAll(s)
	return c
}

func (s *ObjectIDSet) String() string {
	parts := make([]string, 0, s.Len())
	s.Ascend(func(id ObjectID) bool {
		parts = append(parts, fmt.Sprint(uint64(id)))
		return true
	})
	return "{" + strings.Join(parts, ",") + "}"
}

// MarshalJSON renders the set as a sorted array.
func (s *ObjectIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON parses an array of ids.
func (s *ObjectIDSet) UnmarshalJSON(b []byte) error {
	var ids []ObjectID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	s.tree = btree.New(objectIDSetDegree)
	for _, id := range ids {
		s.Add(id)
	}
	return nil
}
