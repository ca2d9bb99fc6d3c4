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

package tx

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// pauseGate lets the garbage collector stop transaction application. A
// pause is ready once every apply that entered before it has exited; new
// applies block in enter until resume.
type pauseGate struct {
	mu       sync.Mutex
	inFlight *atomic.Int64
	// resumeCh is non-nil while a pause is requested or held.
	resumeCh chan struct{}
	// readyCh is closed when the requested pause is reached.
	readyCh chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{inFlight: atomic.NewInt64(0)}
}

func (g *pauseGate) enter() {
	g.mu.Lock()
	for g.resumeCh != nil {
		ch := g.resumeCh
		g.mu.Unlock()
		<-ch
		g.mu.Lock()
	}
	g.inFlight.Inc()
	g.mu.Unlock()
}

func (g *pauseGate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight.Dec() == 0 && g.readyCh != nil {
		closeOnce(g.readyCh)
	}
}

// requestPause is idempotent while a pause is in progress.
func (g *pauseGate) requestPause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumeCh != nil {
		return
	}
	g.resumeCh = make(chan struct{})
	g.readyCh = make(chan struct{})
	if g.inFlight.Load() == 0 {
		close(g.readyCh)
	}
}

func (g *pauseGate) waitReady(ctx context.Context) error {
	g.mu.Lock()
	ready := g.readyCh
	g.mu.Unlock()
	if ready == nil {
		return errNoPauseRequested
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readyCh == nil {
		return false
	}
	select {
	case <-g.readyCh:
		return true
	default:
		return false
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumeCh == nil {
		return
	}
	close(g.resumeCh)
	g.resumeCh, g.readyCh = nil, nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
