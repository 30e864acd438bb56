package dataset

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// EncodeSnapshot serializes a scalar or list value into the bytes stored in
// the persistent engine. Aggregates are stored per element and have no
// snapshot form.
func EncodeSnapshot(v *Value) ([]byte, error) {
	switch v.Kind {
	case oplog.KindScalar:
		return append([]byte(nil), v.Str...), nil
	case oplog.KindList:
		return EncodeList(v.List), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Kind)
	}
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(kind oplog.Kind, b []byte) (*Value, error) {
	switch kind {
	case oplog.KindScalar:
		return NewScalar(append([]byte(nil), b...)), nil
	case oplog.KindList:
		items, err := DecodeList(b)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: oplog.KindList, List: items}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, kind)
	}
}

// EncodeList writes the item count followed by length-prefixed items.
func EncodeList(items [][]byte) []byte {
	size := binary.MaxVarintLen64
	for _, it := range items {
		size += binary.MaxVarintLen64 + len(it)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(items)))
	for _, it := range items {
		buf = binary.AppendUvarint(buf, uint64(len(it)))
		buf = append(buf, it...)
	}
	return buf
}

func DecodeList(b []byte) ([][]byte, error) {
	n, off := binary.Uvarint(b)
	if off <= 0 || n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: bad list header", ErrCorruptedValue)
	}
	items := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		l, m := binary.Uvarint(b[off:])
		if m <= 0 || l > uint64(len(b)-off-m) {
			return nil, fmt.Errorf("%w: bad list item %d", ErrCorruptedValue, i)
		}
		off += m
		item := make([]byte, l)
		copy(item, b[off:])
		items = append(items, item)
		off += int(l)
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedValue, len(b)-off)
	}
	return items, nil
}
