// Copyright 2018 PingCAP, Inc.
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

package kv

import (
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LeveldbKV is a kv store using leveldb.
type LeveldbKV struct {
	*leveldb.DB
	sync bool
}

// NewLeveldbKV is used to store metadata in a leveldb directory.
// With sync set every write is flushed before it returns.
func NewLeveldbKV(path string, sync bool) (*LeveldbKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LeveldbKV{DB: db, sync: sync}, nil
}

func (kv *LeveldbKV) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: kv.sync}
}

// Load gets a value for a given key.
func (kv *LeveldbKV) Load(key string) (string, error) {
	v, err := kv.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(v), nil
}

// LoadRange gets a range of value for a given key range.
func (kv *LeveldbKV) LoadRange(startKey, endKey string, limit int) ([]string, []string, error) {
	iter := kv.NewIterator(&util.Range{Start: []byte(startKey), Limit: []byte(endKey)}, nil)
	defer iter.Release()
	keys := make([]string, 0, limit)
	values := make([]string, 0, limit)
	for iter.Next() {
		if len(keys) >= limit {
			break
		}
		keys = append(keys, string(iter.Key()))
		values = append(values, string(iter.Value()))
	}
	return keys, values, errors.WithStack(iter.Error())
}

// Save stores a key-value pair.
func (kv *LeveldbKV) Save(key, value string) error {
	start := time.Now()
	err := kv.Put([]byte(key), []byte(value), kv.writeOptions())
	observeWrite("save", start, err)
	return errors.WithStack(err)
}

// SaveBatch stores several key-value pairs in one leveldb batch.
func (kv *LeveldbKV) SaveBatch(kvs map[string]string) error {
	start := time.Now()
	batch := new(leveldb.Batch)
	for k, v := range kvs {
		batch.Put([]byte(k), []byte(v))
	}
	err := kv.Write(batch, kv.writeOptions())
	observeWrite("batch", start, err)
	return errors.WithStack(err)
}

// Remove deletes a key-value pair for a given key.
func (kv *LeveldbKV) Remove(key string) error {
	start := time.Now()
	err := kv.Delete([]byte(key), kv.writeOptions())
	observeWrite("remove", start, err)
	return errors.WithStack(err)
}

// Close closes the underlying leveldb.
func (kv *LeveldbKV) Close() error {
	return errors.WithStack(kv.DB.Close())
}
