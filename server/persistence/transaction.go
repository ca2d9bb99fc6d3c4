package persistence

import (
	"github.com/pingcap/errors"
)

type entry struct {
	key   []byte
	value []byte
}

// Transaction buffers writes until Commit. A Transaction must not be
// committed twice.
type Transaction struct {
	engine    engine
	entries   []*entry
	size      int
	committed bool
}

func newTransaction(e engine) *Transaction {
	return &Transaction{engine: e}
}

func (tx *Transaction) set(key, value []byte) {
	tx.entries = append(tx.entries, &entry{key: key, value: value})
	tx.size += len(key) + len(value)
}

func (tx *Transaction) delete(key []byte) {
	tx.entries = append(tx.entries, &entry{key: key})
	tx.size += len(key)
}

// Len returns the number of buffered writes.
func (tx *Transaction) Len() int {
	return len(tx.entries)
}

// Size returns the buffered key and value bytes.
func (tx *Transaction) Size() int {
	return tx.size
}

// Commit writes every buffered entry atomically.
func (tx *Transaction) Commit() error {
	if tx.committed {
		return errors.New("persistence transaction committed twice")
	}
	tx.committed = true
	if len(tx.entries) == 0 {
		return nil
	}
	entries := make([]entry, len(tx.entries))
	for i, e := range tx.entries {
		entries[i] = *e
	}
	return errors.WithStack(tx.engine.write(entries))
}
