package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/errors"
)

// ObjectPersistor implements Persistor on top of an engine.
type ObjectPersistor struct {
	engine   engine
	compress bool
}

var _ Persistor = (*ObjectPersistor)(nil)

func (p *ObjectPersistor) NewTransaction() *Transaction {
	return newTransaction(p.engine)
}

func (p *ObjectPersistor) checkTxn(tx *Transaction) error {
	if tx == nil || tx.engine != p.engine {
		return errors.New("transaction does not belong to this persistor")
	}
	if tx.committed {
		return errors.New("transaction already committed")
	}
	return nil
}

func (p *ObjectPersistor) SaveObject(tx *Transaction, obj *core.ObjectState) error {
	if err := p.checkTxn(tx); err != nil {
		return err
	}
	value, err := encodeObject(obj, p.compress)
	if err != nil {
		return err
	}
	tx.set(objectKey(obj.ID), value)
	return nil
}

// LoadObjectByID returns a *core.ObjectNotFoundErr for unknown ids.
func (p *ObjectPersistor) LoadObjectByID(id core.ObjectID) (*core.ObjectState, error) {
	value, err := p.engine.get(objectKey(id))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, &core.ObjectNotFoundErr{ObjectID: id}
	}
	return decodeObject(value)
}

func (p *ObjectPersistor) DeleteAllObjectsByID(tx *Transaction, sortedIDs []core.ObjectID) error {
	if err := p.checkTxn(tx); err != nil {
		return err
	}
	for i, id := range sortedIDs {
		if i > 0 && sortedIDs[i-1] >= id {
			return errors.Errorf("ids to delete are not sorted at %d", i)
		}
		tx.delete(objectKey(id))
	}
	return nil
}

func (p *ObjectPersistor) AddRoot(tx *Transaction, name string, id core.ObjectID) error {
	if err := p.checkTxn(tx); err != nil {
		return err
	}
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(id))
	tx.set(rootKey(name), value[:])
	return nil
}

func (p *ObjectPersistor) LoadRoots() (map[string]core.ObjectID, error) {
	roots := make(map[string]core.ObjectID)
	err := p.engine.scan(rootPrefix, false, func(key, value []byte) error {
		if len(value) != 8 {
			return errors.Errorf("corrupted root %q", key)
		}
		roots[string(key[len(rootPrefix):])] = core.ObjectID(binary.BigEndian.Uint64(value))
		return nil
	})
	return roots, err
}

func (p *ObjectPersistor) AllObjectIDs() (*core.ObjectIDSet, error) {
	ids := core.NewObjectIDSet()
	err := p.engine.scan(objectPrefix, true, func(key, _ []byte) error {
		if !bytes.HasPrefix(key, objectPrefix) || len(key) != len(objectPrefix)+8 {
			return errors.Errorf("corrupted object key %q", key)
		}
		ids.Add(decodeObjectKey(key))
		return nil
	})
	return ids, err
}

func (p *ObjectPersistor) SaveTxnDescriptor(tx *Transaction, d *core.GlobalTransactionDescriptor) error {
	if err := p.checkTxn(tx); err != nil {
		return err
	}
	value, err := json.Marshal(d)
	if err != nil {
		return errors.WithStack(err)
	}
	tx.set(txnKey(d.GlobalTxnID), value)
	return nil
}

func (p *ObjectPersistor) DeleteTxnDescriptors(tx *Transaction, gids []core.GlobalTransactionID) error {
	if err := p.checkTxn(tx); err != nil {
		return err
	}
	for _, gid := range gids {
		tx.delete(txnKey(gid))
	}
	return nil
}

// LoadTxnDescriptors returns the stored descriptors in gid order.
func (p *ObjectPersistor) LoadTxnDescriptors() ([]*core.GlobalTransactionDescriptor, error) {
	var ds []*core.GlobalTransactionDescriptor
	err := p.engine.scan(txnPrefix, false, func(key, value []byte) error {
		d := &core.GlobalTransactionDescriptor{}
		if err := json.Unmarshal(value, d); err != nil {
			return errors.Annotatef(err, "corrupted transaction descriptor %q", key)
		}
		ds = append(ds, d)
		return nil
	})
	return ds, err
}

func (p *ObjectPersistor) Close() error {
	return p.engine.close()
}
