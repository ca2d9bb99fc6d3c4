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

package objects

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/persistence"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReferenceListener observes the object graph while it changes.
type ReferenceListener interface {
	// Changed is called for every reference an installed state adds. obj
	// is core.NullObjectID for a new root binding.
	Changed(obj, oldRef, newRef core.ObjectID)
	NotifyNewObjectInitialized(ids *core.ObjectIDSet)
}

// Arena owns the object graph. Objects are addressed by id and every
// object keeps an explicit adjacency list of the ids it references. States
// are loaded from the persistor on first use.
type Arena struct {
	sync.RWMutex
	persistor persistence.Persistor
	states    map[core.ObjectID]*core.ObjectState
	refs      map[core.ObjectID][]core.ObjectID
	ids       *core.ObjectIDSet
	roots     map[string]core.ObjectID
	listener  ReferenceListener
}

// NewArena seeds the arena with the ids and roots the persistor holds.
func NewArena(p persistence.Persistor) (*Arena, error) {
	ids, err := p.AllObjectIDs()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	roots, err := p.LoadRoots()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log.Info("object arena loaded", zap.Int("objects", ids.Len()), zap.Int("roots", len(roots)))
	return &Arena{
		persistor: p,
		states:    make(map[core.ObjectID]*core.ObjectState),
		refs:      make(map[core.ObjectID][]core.ObjectID),
		ids:       ids,
		roots:     roots,
	}, nil
}

// SetListener installs l. Only one listener is kept.
func (a *Arena) SetListener(l ReferenceListener) {
	a.Lock()
	defer a.Unlock()
	a.listener = l
}

// Persistor returns the backend the arena loads from.
func (a *Arena) Persistor() persistence.Persistor {
	return a.persistor
}

// Contains reports whether id is a live object.
func (a *Arena) Contains(id core.ObjectID) bool {
	a.RLock()
	defer a.RUnlock()
	return a.ids.Contains(id)
}

// Len returns the number of live objects.
func (a *Arena) Len() int {
	a.RLock()
	defer a.RUnlock()
	return a.ids.Len()
}

// AllObjectIDs returns a copy of the live id set.
func (a *Arena) AllObjectIDs() *core.ObjectIDSet {
	a.RLock()
	defer a.RUnlock()
	return a.ids.Clone()
}

// Roots returns a copy of the root bindings.
func (a *Arena) Roots() map[string]core.ObjectID {
	a.RLock()
	defer a.RUnlock()
	roots := make(map[string]core.ObjectID, len(a.roots))
	for name, id := range a.roots {
		roots[name] = id
	}
	return roots
}

// RootIDs returns the bound root ids in increasing order.
func (a *Arena) RootIDs() []core.ObjectID {
	set := core.NewObjectIDSet()
	for _, id := range a.Roots() {
		set.Add(id)
	}
	return set.Slice()
}

// Lookup returns a private copy of the state of id, or a
// *core.ObjectNotFoundErr.
func (a *Arena) Lookup(id core.ObjectID) (*core.ObjectState, error) {
	a.Lock()
	defer a.Unlock()
	state, err := a.load(id)
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// References returns the adjacency list of id. Unknown ids have none.
func (a *Arena) References(id core.ObjectID) ([]core.ObjectID, error) {
	a.RLock()
	refs, ok := a.refs[id]
	live := a.ids.Contains(id)
	a.RUnlock()
	if ok || !live {
		return refs, nil
	}

	a.Lock()
	defer a.Unlock()
	if _, err := a.load(id); err != nil {
		if _, ok := errors.Cause(err).(*core.ObjectNotFoundErr); ok {
			return nil, nil
		}
		return nil, err
	}
	return a.refs[id], nil
}

func (a *Arena) load(id core.ObjectID) (*core.ObjectState, error) {
	if state, ok := a.states[id]; ok {
		return state, nil
	}
	if !a.ids.Contains(id) {
		return nil, &core.ObjectNotFoundErr{ObjectID: id}
	}
	state, err := a.persistor.LoadObjectByID(id)
	if err != nil {
		return nil, err
	}
	a.states[id] = state
	a.refs[id] = state.References().Slice()
	return state, nil
}

// Install replaces the states of a transaction and binds its new roots.
// Created is the set of ids that did not exist before. The listener sees
// every reference that was added.
func (a *Arena) Install(states []*core.ObjectState, created *core.ObjectIDSet, newRoots map[string]core.ObjectID) {
	a.Lock()
	defer a.Unlock()
	for _, state := range states {
		newRefs := state.References().Slice()
		oldRefs := a.refs[state.ID]
		a.states[state.ID] = state
		a.refs[state.ID] = newRefs
		a.ids.Add(state.ID)
		if a.listener != nil {
			for _, ref := range addedRefs(oldRefs, newRefs) {
				a.listener.Changed(state.ID, core.NullObjectID, ref)
			}
		}
	}
	names := make([]string, 0, len(newRoots))
	for name := range newRoots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id := newRoots[name]
		old := a.roots[name]
		a.roots[name] = id
		if a.listener != nil && old != id {
			a.listener.Changed(core.NullObjectID, old, id)
		}
	}
	if a.listener != nil && created != nil && !created.IsEmpty() {
		a.listener.NotifyNewObjectInitialized(created)
	}
}

// Remove forgets deleted objects. Roots are never removed.
func (a *Arena) Remove(ids []core.ObjectID) {
	a.Lock()
	defer a.Unlock()
	for _, id := range ids {
		delete(a.states, id)
		delete(a.refs, id)
		a.ids.Remove(id)
	}
}

// Evict drops cached states so they are reloaded from the persistor on
// next use. The ids stay live.
func (a *Arena) Evict(ids []core.ObjectID) {
	a.Lock()
	defer a.Unlock()
	for _, id := range ids {
		delete(a.states, id)
		delete(a.refs, id)
	}
}

// Cached returns the number of states held in memory.
func (a *Arena) Cached() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.states)
}

// addedRefs returns the ids of newRefs missing from oldRefs. Both are sorted.
func addedRefs(oldRefs, newRefs []core.ObjectID) []core.ObjectID {
	var added []core.ObjectID
	i := 0
	for _, ref := range newRefs {
		for i < len(oldRefs) && oldRefs[i] < ref {
			i++
		}
		if i < len(oldRefs) && oldRefs[i] == ref {
			continue
		}
		added = append(added, ref)
	}
	return added
}
