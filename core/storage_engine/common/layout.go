package common

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// Namespace bytes of the persistent key layout.
const (
	nsMeta   = 'm'
	nsScalar = 's'
	nsList   = 'l'
	nsSet    = 'S'
	nsZSet   = 'z'
	nsHash   = 'h'
	nsSep    = '|'
)

func wholeKey(ns byte, key string) []byte {
	b := make([]byte, 0, len(key)+2)
	b = append(b, ns, nsSep)
	return append(b, key...)
}

// elementPrefix length-prefixes the user key so that one key's elements can
// never share a prefix with a longer key.
func elementPrefix(ns byte, key string) []byte {
	b := make([]byte, 0, len(key)+2+binary.MaxVarintLen64)
	b = append(b, ns, nsSep)
	b = binary.AppendUvarint(b, uint64(len(key)))
	return append(b, key...)
}

func MetaKey(key string) []byte   { return wholeKey(nsMeta, key) }
func ScalarKey(key string) []byte { return wholeKey(nsScalar, key) }
func ListKey(key string) []byte   { return wholeKey(nsList, key) }

// ElementPrefix returns the prefix under which the elements of an aggregate
// of the given kind are stored.
func ElementPrefix(kind oplog.Kind, key string) ([]byte, error) {
	switch kind {
	case oplog.KindSet:
		return elementPrefix(nsSet, key), nil
	case oplog.KindSortedSet:
		return elementPrefix(nsZSet, key), nil
	case oplog.KindHash:
		return elementPrefix(nsHash, key), nil
	default:
		return nil, fmt.Errorf("%s has no element namespace", kind)
	}
}

// ElementKey returns the engine key of one aggregate element.
func ElementKey(kind oplog.Kind, key, element string) ([]byte, error) {
	p, err := ElementPrefix(kind, key)
	if err != nil {
		return nil, err
	}
	return append(p, element...), nil
}

// EncodeScore stores a sorted-set score as its IEEE-754 bits.
func EncodeScore(score float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(score))
	return b
}

func DecodeScore(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad score length %d", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ResetMutations removes every trace of key from the engine.
func ResetMutations(key string) []Mutation {
	return []Mutation{
		Delete(MetaKey(key)),
		Delete(ScalarKey(key)),
		Delete(ListKey(key)),
		DeletePrefix(elementPrefix(nsSet, key)),
		DeletePrefix(elementPrefix(nsZSet, key)),
		DeletePrefix(elementPrefix(nsHash, key)),
	}
}

// MetaMutation records the value kind of key.
func MetaMutation(key string, kind oplog.Kind) Mutation {
	return Put(MetaKey(key), []byte{byte(kind)})
}
