package persistence

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

type memEngine struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewMemoryPersistor returns a persistor that keeps everything in memory.
func NewMemoryPersistor() *ObjectPersistor {
	return &ObjectPersistor{engine: &memEngine{tree: btree.New(8)}}
}

func (e *memEngine) get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if item := e.tree.Get(&memItem{key: key}); item != nil {
		return append([]byte(nil), item.(*memItem).value...), nil
	}
	return nil, nil
}

func (e *memEngine) write(entries []entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if len(entry.value) == 0 {
			e.tree.Delete(&memItem{key: entry.key})
		} else {
			e.tree.ReplaceOrInsert(&memItem{key: entry.key, value: append([]byte(nil), entry.value...)})
		}
	}
	return nil
}

func (e *memEngine) scan(prefix []byte, keysOnly bool, fn func(key, value []byte) error) error {
	e.mu.RLock()
	var items []*memItem
	e.tree.AscendGreaterOrEqual(&memItem{key: prefix}, func(i btree.Item) bool {
		item := i.(*memItem)
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item)
		return true
	})
	e.mu.RUnlock()
	for _, item := range items {
		var value []byte
		if !keysOnly {
			value = item.value
		}
		if err := fn(item.key, value); err != nil {
			return err
		}
	}
	return nil
}

func (e *memEngine) close() error {
	return nil
}
