package persistence

import (
	"github.com/pingcap-incubator/tinydso/server/core"
)

// Persistor stores object state and root bindings. Writes go through an
// explicit Transaction that becomes durable on Commit.
type Persistor interface {
	NewTransaction() *Transaction
	SaveObject(tx *Transaction, obj *core.ObjectState) error
	LoadObjectByID(id core.ObjectID) (*core.ObjectState, error)
	// DeleteAllObjectsByID expects ids in increasing order.
	DeleteAllObjectsByID(tx *Transaction, sortedIDs []core.ObjectID) error
	AddRoot(tx *Transaction, name string, id core.ObjectID) error
	LoadRoots() (map[string]core.ObjectID, error)
	AllObjectIDs() (*core.ObjectIDSet, error)
	// SaveTxnDescriptor and DeleteTxnDescriptors keep the global
	// transaction store in the same transaction as the objects it changes.
	SaveTxnDescriptor(tx *Transaction, d *core.GlobalTransactionDescriptor) error
	DeleteTxnDescriptors(tx *Transaction, gids []core.GlobalTransactionID) error
	LoadTxnDescriptors() ([]*core.GlobalTransactionDescriptor, error)
	Close() error
}

// engine is the byte level store an ObjectPersistor runs on.
type engine interface {
	get(key []byte) ([]byte, error)
	write(entries []entry) error
	scan(prefix []byte, keysOnly bool, fn func(key, value []byte) error) error
	close() error
}

var (
	objectPrefix = []byte("o_")
	rootPrefix   = []byte("r_")
	txnPrefix    = []byte("t_")
)
