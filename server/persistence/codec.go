package persistence

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pierrec/lz4"
	"github.com/pingcap-incubator/tinydso/server/core"
	"github.com/pingcap/errors"
)

const (
	codecRaw byte = 0
	codecLz4 byte = 1
)

var errDecompress = errors.New("error during decompress")

func objectKey(id core.ObjectID) []byte {
	key := make([]byte, len(objectPrefix)+8)
	copy(key, objectPrefix)
	binary.BigEndian.PutUint64(key[len(objectPrefix):], uint64(id))
	return key
}

func decodeObjectKey(key []byte) core.ObjectID {
	return core.ObjectID(binary.BigEndian.Uint64(key[len(objectPrefix):]))
}

func txnKey(gid core.GlobalTransactionID) []byte {
	key := make([]byte, len(txnPrefix)+8)
	copy(key, txnPrefix)
	binary.BigEndian.PutUint64(key[len(txnPrefix):], uint64(gid))
	return key
}

func rootKey(name string) []byte {
	return append(append([]byte{}, rootPrefix...), name...)
}

func encodeObject(obj *core.ObjectState, compress bool) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if compress {
		if compressed := lz4Compress(raw); compressed != nil && isGoodCompressionRatio(compressed, raw) {
			return append([]byte{codecLz4}, compressed...), nil
		}
	}
	return append([]byte{codecRaw}, raw...), nil
}

func decodeObject(b []byte) (*core.ObjectState, error) {
	if len(b) == 0 {
		return nil, errDecompress
	}
	data := b[1:]
	switch b[0] {
	case codecRaw:
	case codecLz4:
		var err error
		if data, err = lz4Decompress(data); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown object codec %d", b[0])
	}
	obj := &core.ObjectState{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, errors.WithStack(err)
	}
	return obj, nil
}

func lz4Compress(input []byte) []byte {
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(len(input)))
	dst := make([]byte, n+lz4.CompressBlockBound(len(input)))
	copy(dst, sizeBuf[:n])
	var ht [1 << 16]int
	size, err := lz4.CompressBlock(input, dst[n:], ht[:])
	if err != nil || size == 0 {
		return nil
	}
	return dst[:n+size]
}

func isGoodCompressionRatio(compressed, input []byte) bool {
	cl, rl := len(compressed), len(input)
	return cl < rl-(rl/8)
}

func lz4Decompress(input []byte) ([]byte, error) {
	size, n := binary.Uvarint(input)
	if n <= 0 {
		return nil, errDecompress
	}
	dst := make([]byte, size)
	m, err := lz4.UncompressBlock(input[n:], dst)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if uint64(m) != size {
		return nil, errDecompress
	}
	return dst, nil
}
