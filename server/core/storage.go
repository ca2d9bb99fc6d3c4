// Copyright 2017 PingCAP, Inc.
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
	"path"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinydso/server/kv"
	"github.com/pkg/errors"
)

const (
	sequencePath = "sequence"
	clientPath   = "client"
	gcPath       = "gc"
)

const maxKVRangeLimit = 10000

// Storage wraps all kv operations, keep it stateless.
type Storage struct {
	kv.Base
}

// NewStorage creates Storage instance with Base.
func NewStorage(base kv.Base) *Storage {
	return &Storage{
		Base: base,
	}
}

func sequenceKey(name string) string {
	return path.Join(sequencePath, name)
}

func clientKey(node NodeID) string {
	return path.Join(clientPath, string(node))
}

// SaveSequence persists the next free value of a sequence.
func (s *Storage) SaveSequence(name string, next uint64) error {
	return s.Save(sequenceKey(name), strconv.FormatUint(next, 16))
}

// LoadSequence loads the next free value of a sequence.
func (s *Storage) LoadSequence(name string) (uint64, bool, error) {
	value, err := s.Load(sequenceKey(name))
	if err != nil {
		return 0, false, err
	}
	if value == "" {
		return 0, false, nil
	}
	next, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	return next, true, nil
}

// SaveClient records a connected client so it is expected back after a
// restart.
func (s *Storage) SaveClient(node NodeID) error {
	return s.Save(clientKey(node), "1")
}

// RemoveClient forgets a client.
func (s *Storage) RemoveClient(node NodeID) error {
	return s.Remove(clientKey(node))
}

// LoadClients returns the clients connected when the server last ran.
func (s *Storage) LoadClients() ([]NodeID, error) {
	var nodes []NodeID
	err := s.loadPrefix(clientPath+"/", maxKVRangeLimit, func(key, _ string) error {
		nodes = append(nodes, NodeID(strings.TrimPrefix(key, clientPath+"/")))
		return nil
	})
	return nodes, err
}

// SaveGCIteration persists the last completed GC iteration.
func (s *Storage) SaveGCIteration(iteration uint64) error {
	return s.Save(path.Join(gcPath, "iteration"), strconv.FormatUint(iteration, 16))
}

// LoadGCIteration loads the last completed GC iteration.
func (s *Storage) LoadGCIteration() (uint64, error) {
	value, err := s.Load(path.Join(gcPath, "iteration"))
	if err != nil || value == "" {
		return 0, err
	}
	iteration, err := strconv.ParseUint(value, 16, 64)
	return iteration, errors.WithStack(err)
}

func (s *Storage) loadPrefix(prefix string, rangeLimit int, f func(key, value string) error) error {
	nextKey := prefix
	endKey := prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
	for {
		keys, values, err := s.LoadRange(nextKey, endKey, rangeLimit)
		if err != nil {
			return err
		}
		for i := range keys {
			if err := f(keys[i], values[i]); err != nil {
				return err
			}
		}
		if len(keys) < rangeLimit {
			return nil
		}
		nextKey = keys[len(keys)-1] + "\x00"
	}
}
