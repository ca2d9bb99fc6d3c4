package persistence

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// BadgerOptions are the tunables of the badger backend.
type BadgerOptions struct {
	Dir              string
	ValueDir         string
	SyncWrites       bool
	ValueLogFileSize int64
	Compress         bool
}

type badgerEngine struct {
	db *badger.DB
}

// NewBadgerPersistor opens or creates a badger database under opts.Dir.
func NewBadgerPersistor(opts BadgerOptions) (*ObjectPersistor, error) {
	bopts := badger.DefaultOptions
	bopts.Dir = opts.Dir
	bopts.ValueDir = opts.ValueDir
	if bopts.ValueDir == "" {
		bopts.ValueDir = opts.Dir
	}
	bopts.SyncWrites = opts.SyncWrites
	if opts.ValueLogFileSize > 0 {
		bopts.ValueLogFileSize = opts.ValueLogFileSize
	}
	if err := os.MkdirAll(bopts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(bopts.ValueDir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ObjectPersistor{engine: &badgerEngine{db: db}, compress: opts.Compress}, nil
}

func (e *badgerEngine) get(key []byte) ([]byte, error) {
	var val []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, errors.WithStack(err)
}

func (e *badgerEngine) write(entries []entry) error {
	return e.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			var err error
			if len(entry.value) == 0 {
				err = txn.Delete(entry.key)
			} else {
				err = txn.Set(entry.key, entry.value)
			}
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (e *badgerEngine) scan(prefix []byte, keysOnly bool, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var value []byte
			if !keysOnly {
				var err error
				if value, err = item.Value(); err != nil {
					return errors.WithStack(err)
				}
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) close() error {
	return errors.WithStack(e.db.Close())
}
