// Copyright 2016 PingCAP, Inc.
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

package idgen

import (
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/kv"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestIDGen(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testSequenceSuite{})

type testSequenceSuite struct{}

// countingKV counts durable writes and fails them on demand.
type countingKV struct {
	kv.Base
	saves int
	fail  bool
}

func (c *countingKV) Save(key, value string) error {
	if c.fail {
		return errors.New("disk full")
	}
	c.saves++
	return c.Base.Save(key, value)
}

func (s *testSequenceSuite) TestBatch(c *C) {
	base := &countingKV{Base: kv.NewMemoryKV()}
	storage := core.NewStorage(base)
	seq, err := NewSequence(ObjectIDSequence, storage, 100)
	c.Assert(err, IsNil)
	c.Assert(seq.Current(), Equals, uint64(1))

	for i := uint64(1); i <= 100; i++ {
		v, err := seq.Next()
		c.Assert(err, IsNil)
		c.Assert(v, Equals, i)
	}
	c.Assert(base.saves, Equals, 1)

	start, err := seq.NextBatch(250)
	c.Assert(err, IsNil)
	c.Assert(start, Equals, uint64(101))
	c.Assert(seq.Current(), Equals, uint64(351))
	c.Assert(base.saves, Equals, 2)

	persisted, ok, err := storage.LoadSequence(ObjectIDSequence)
	c.Assert(err, IsNil)
	c.Assert(ok, IsTrue)
	c.Assert(persisted >= seq.Current(), IsTrue)

	_, err = seq.NextBatch(0)
	c.Assert(err, NotNil)
}

func (s *testSequenceSuite) TestRestartNeverReuses(c *C) {
	storage := core.NewStorage(kv.NewMemoryKV())
	seq, err := NewSequence(GlobalTxnIDSequence, storage, 10)
	c.Assert(err, IsNil)
	var last uint64
	for i := 0; i < 15; i++ {
		last, err = seq.Next()
		c.Assert(err, IsNil)
	}

	restarted, err := NewSequence(GlobalTxnIDSequence, storage, 10)
	c.Assert(err, IsNil)
	v, err := restarted.Next()
	c.Assert(err, IsNil)
	c.Assert(v > last, IsTrue)
}

func (s *testSequenceSuite) TestSetNext(c *C) {
	storage := core.NewStorage(kv.NewMemoryKV())
	seq, err := NewSequence(ObjectIDSequence, storage, 10)
	c.Assert(err, IsNil)

	c.Assert(seq.SetNext(5000), IsNil)
	v, err := seq.Next()
	c.Assert(err, IsNil)
	c.Assert(v, Equals, uint64(5000))
	persisted, _, err := storage.LoadSequence(ObjectIDSequence)
	c.Assert(err, IsNil)
	c.Assert(persisted > v, IsTrue)

	c.Assert(seq.SetNext(10), IsNil)
	c.Assert(seq.Current(), Equals, uint64(5001))
}

func (s *testSequenceSuite) TestPersistFailureIsFatal(c *C) {
	base := &countingKV{Base: kv.NewMemoryKV()}
	seq, err := NewSequence(ObjectIDSequence, core.NewStorage(base), 2)
	c.Assert(err, IsNil)
	_, err = seq.NextBatch(2)
	c.Assert(err, IsNil)

	base.fail = true
	_, err = seq.Next()
	c.Assert(err, NotNil)
	_, ok := err.(*PersistError)
	c.Assert(ok, IsTrue)
	c.Assert(errors.Cause(err).Error(), Equals, "disk full")

	// the sequence stays halted even when storage recovers
	base.fail = false
	_, err = seq.Next()
	c.Assert(err, NotNil)
	c.Assert(seq.SetNext(100), NotNil)
}

func (s *testSequenceSuite) TestConcurrent(c *C) {
	seq, err := NewSequence(ObjectIDSequence, core.NewStorage(kv.NewMemoryKV()), 7)
	c.Assert(err, IsNil)
	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{})
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				start, err := seq.NextBatch(3)
				if err != nil {
					panic(err)
				}
				mu.Lock()
				for v := start; v < start+3; v++ {
					if _, ok := seen[v]; ok {
						panic("duplicate id")
					}
					seen[v] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(seen, HasLen, 2400)
}
