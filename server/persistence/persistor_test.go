package persistence

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObject(id core.ObjectID, refs ...core.ObjectID) *core.ObjectState {
	obj := core.NewObjectState(id, "Node")
	for _, ref := range refs {
		obj.Elements = append(obj.Elements, core.RefValue(ref))
	}
	obj.Fields["name"] = core.LiteralValue(bytes.Repeat([]byte("x"), 256))
	return obj
}

func testPersistor(t *testing.T, p Persistor) {
	tx := p.NewTransaction()
	for id := core.ObjectID(1); id <= 10; id++ {
		require.Nil(t, p.SaveObject(tx, newTestObject(id, id+1)))
	}
	require.Nil(t, p.AddRoot(tx, "root", 1))
	assert.Equal(t, 11, tx.Len())
	require.Nil(t, tx.Commit())
	assert.NotNil(t, tx.Commit())
	assert.NotNil(t, p.SaveObject(tx, newTestObject(11)))

	obj, err := p.LoadObjectByID(3)
	require.Nil(t, err)
	assert.Equal(t, core.ObjectID(3), obj.ID)
	assert.Equal(t, []core.ObjectID{4}, obj.References().Slice())
	assert.Equal(t, 256, len(obj.Fields["name"].Data))

	_, err = p.LoadObjectByID(42)
	_, ok := err.(*core.ObjectNotFoundErr)
	assert.True(t, ok)

	roots, err := p.LoadRoots()
	require.Nil(t, err)
	assert.Equal(t, map[string]core.ObjectID{"root": 1}, roots)

	tx = p.NewTransaction()
	assert.NotNil(t, p.DeleteAllObjectsByID(tx, []core.ObjectID{5, 4}))
	tx = p.NewTransaction()
	require.Nil(t, p.DeleteAllObjectsByID(tx, []core.ObjectID{4, 5, 9}))
	require.Nil(t, tx.Commit())

	ids, err := p.AllObjectIDs()
	require.Nil(t, err)
	assert.Equal(t, []core.ObjectID{1, 2, 3, 6, 7, 8, 10}, ids.Slice())

	tx = p.NewTransaction()
	for gid := core.GlobalTransactionID(300); gid > 255; gid-- {
		require.Nil(t, p.SaveTxnDescriptor(tx, &core.GlobalTransactionDescriptor{
			ID:          core.ServerTransactionID{Node: "n1", TxnID: core.TransactionID(gid)},
			GlobalTxnID: gid,
			State:       core.TxnCommitted,
		}))
	}
	require.Nil(t, p.DeleteTxnDescriptors(tx, []core.GlobalTransactionID{256, 299}))
	require.Nil(t, tx.Commit())
	ds, err := p.LoadTxnDescriptors()
	require.Nil(t, err)
	require.Equal(t, 43, len(ds))
	assert.Equal(t, core.GlobalTransactionID(257), ds[0].GlobalTxnID)
	assert.Equal(t, core.GlobalTransactionID(300), ds[42].GlobalTxnID)
	assert.Equal(t, core.NodeID("n1"), ds[0].ID.Node)
	require.Nil(t, p.Close())
}

func TestMemoryPersistor(t *testing.T) {
	testPersistor(t, NewMemoryPersistor())
}

func TestBadgerPersistor(t *testing.T) {
	dir, err := ioutil.TempDir("", "persistor")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	p, err := NewBadgerPersistor(BadgerOptions{Dir: dir, Compress: true})
	require.Nil(t, err)
	testPersistor(t, p)
}

func TestForeignTransaction(t *testing.T) {
	a, b := NewMemoryPersistor(), NewMemoryPersistor()
	assert.NotNil(t, a.SaveObject(b.NewTransaction(), newTestObject(1)))
}

func TestCodec(t *testing.T) {
	obj := newTestObject(7, 8, 9)
	for _, compress := range []bool{false, true} {
		b, err := encodeObject(obj, compress)
		require.Nil(t, err)
		if compress {
			assert.Equal(t, codecLz4, b[0])
		} else {
			assert.Equal(t, codecRaw, b[0])
		}
		decoded, err := decodeObject(b)
		require.Nil(t, err)
		assert.Equal(t, obj, decoded)
	}
	_, err := decodeObject(nil)
	assert.NotNil(t, err)
	_, err = decodeObject([]byte{9, 1})
	assert.NotNil(t, err)
	assert.Equal(t, core.ObjectID(7), decodeObjectKey(objectKey(7)))
}
