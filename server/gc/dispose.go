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

package gc

import (
	"context"
	"time"

	"github.com/cznic/mathutil"
	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap-incubator/tinydso/server/persistence"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultDeleteBatchSize = 5000
	slowBatchThreshold     = 300 * time.Millisecond
)

// Remover drops deleted objects from memory. *objects.Arena is one.
type Remover interface {
	Remove(ids []core.ObjectID)
}

// DisposeHandler deletes garbage in bounded batches, one persistence
// transaction per batch, optionally throttled to a number of objects per
// second.
type DisposeHandler struct {
	persistor persistence.Persistor
	remover   Remover
	batchSize int
	bucket    *ratelimit.Bucket
	evicted   func(ids []core.ObjectID)
}

// NewDisposeHandler creates a handler. A non positive objectsPerSecond
// disables throttling.
func NewDisposeHandler(p persistence.Persistor, remover Remover, batchSize int, objectsPerSecond float64) *DisposeHandler {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}
	h := &DisposeHandler{persistor: p, remover: remover, batchSize: batchSize}
	if objectsPerSecond > 0 {
		h.bucket = ratelimit.NewBucketWithRate(objectsPerSecond, int64(batchSize))
	}
	return h
}

// OnDeleted installs a hook called after each committed batch.
func (h *DisposeHandler) OnDeleted(f func(ids []core.ObjectID)) {
	h.evicted = f
}

func (h *DisposeHandler) Dispose(ctx context.Context, garbage *core.ObjectIDSet) (int, error) {
	ids := garbage.Slice()
	deleted := 0
	for start := 0; start < len(ids); start += h.batchSize {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		batch := ids[start:mathutil.Min(start+h.batchSize, len(ids))]
		if h.bucket != nil {
			h.bucket.Wait(int64(len(batch)))
		}
		begin := time.Now()
		tx := h.persistor.NewTransaction()
		if err := h.persistor.DeleteAllObjectsByID(tx, batch); err != nil {
			return deleted, errors.WithStack(err)
		}
		if err := tx.Commit(); err != nil {
			return deleted, errors.WithStack(err)
		}
		h.remover.Remove(batch)
		if h.evicted != nil {
			h.evicted(batch)
		}
		deleted += len(batch)
		elapsed := time.Since(begin)
		deleteBatchDuration.Observe(elapsed.Seconds())
		deletedCounter.Add(float64(len(batch)))
		if elapsed > slowBatchThreshold {
			log.Warn("slow garbage delete batch", zap.Int("size", len(batch)), zap.Duration("elapsed", elapsed))
		}
	}
	return deleted, nil
}
