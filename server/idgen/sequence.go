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
	"fmt"
	"sync"

	"github.com/cznic/mathutil"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// ObjectIDSequence hands out object ids.
	ObjectIDSequence = "object_id"
	// GlobalTxnIDSequence hands out global transaction ids.
	GlobalTxnIDSequence = "global_txn_id"

	defaultStep = uint64(1000)
	// first value of a fresh sequence, 0 is the null id of every sequence.
	firstValue = uint64(1)
)

// PersistError is returned once persisting a sequence failed. The sequence
// stays halted since handing out more ids could reuse one.
type PersistError struct {
	Sequence string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("sequence %s halted: %v", e.Sequence, e.Err)
}

// Cause returns the underlying storage error.
func (e *PersistError) Cause() error { return e.Err }

// Sequence is a monotonic, batch allocated sequence. The value persisted is
// always at least every value handed out, so a crash never reuses one.
type Sequence struct {
	mu sync.Mutex

	name    string
	step    uint64
	storage *core.Storage
	// [base, end) is reserved on disk and not yet handed out.
	base uint64
	end  uint64
	err  error
}

// NewSequence loads the persisted next value of the named sequence. step is
// the minimum number of ids reserved per durable write.
func NewSequence(name string, storage *core.Storage, step uint64) (*Sequence, error) {
	if step == 0 {
		step = defaultStep
	}
	next, ok, err := storage.LoadSequence(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		next = firstValue
	}
	s := &Sequence{
		name:    name,
		step:    step,
		storage: storage,
		base:    next,
		end:     next,
	}
	idGauge.WithLabelValues(name).Set(float64(next))
	return s, nil
}

// Next returns one new value.
func (s *Sequence) Next() (uint64, error) {
	return s.NextBatch(1)
}

// NextBatch reserves n contiguous values and returns the first.
func (s *Sequence) NextBatch(n uint64) (uint64, error) {
	if n == 0 {
		return 0, errors.New("empty batch requested")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if s.end-s.base < n {
		if err := s.reserve(s.base + mathutil.MaxUint64(n, s.step)); err != nil {
			return 0, err
		}
	}
	start := s.base
	s.base += n
	return start, nil
}

// Current returns the next value that would be handed out.
func (s *Sequence) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// SetNext fast-forwards the sequence so v is the next value handed out.
// Moving backwards is ignored.
func (s *Sequence) SetNext(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if v <= s.base {
		return nil
	}
	if v > s.end {
		if err := s.reserve(v); err != nil {
			return err
		}
	}
	s.base = v
	return nil
}

// reserve persists end before any value below it is handed out.
func (s *Sequence) reserve(end uint64) error {
	if err := s.storage.SaveSequence(s.name, end); err != nil {
		s.err = &PersistError{Sequence: s.name, Err: err}
		log.Error("persist sequence failed, sequence halted",
			zap.String("sequence", s.name), zap.Uint64("end", end), zap.Error(err))
		return s.err
	}
	s.end = end
	idGauge.WithLabelValues(s.name).Set(float64(end))
	return nil
}
