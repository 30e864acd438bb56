package common

import (
	"errors"
	"fmt"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// LoadValue reads the full value of key from the engine. A missing key
// yields (nil, nil).
func LoadValue(e Engine, key string) (*dataset.Value, error) {
	meta, err := e.Get(MetaKey(key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta of %q: %w", key, err)
	}
	if len(meta) != 1 {
		return nil, fmt.Errorf("%w: meta of %q has %d bytes", dataset.ErrCorruptedValue, key, len(meta))
	}

	kind := oplog.Kind(meta[0])
	switch kind {
	case oplog.KindScalar:
		raw, err := e.Get(ScalarKey(key))
		if errors.Is(err, ErrNotFound) {
			return dataset.NewScalar([]byte{}), nil
		}
		if err != nil {
			return nil, err
		}
		return dataset.DecodeSnapshot(kind, raw)
	case oplog.KindList:
		raw, err := e.Get(ListKey(key))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		v, err := dataset.DecodeSnapshot(kind, raw)
		if err != nil || v.Empty() {
			return nil, err
		}
		return v, nil
	case oplog.KindSet, oplog.KindSortedSet, oplog.KindHash:
		return loadAggregate(e, kind, key)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d for %q", dataset.ErrCorruptedValue, meta[0], key)
	}
}

func loadAggregate(e Engine, kind oplog.Kind, key string) (*dataset.Value, error) {
	prefix, err := ElementPrefix(kind, key)
	if err != nil {
		return nil, err
	}
	it, err := e.PrefixScan(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan elements of %q: %w", key, err)
	}
	defer it.Close()

	v := &dataset.Value{Kind: kind}
	switch kind {
	case oplog.KindSet:
		v.Set = make(map[string]struct{})
	case oplog.KindSortedSet:
		v.ZSet = make(map[string]float64)
	case oplog.KindHash:
		v.Hash = make(map[string][]byte)
	}
	for it.Next() {
		element := string(it.Key()[len(prefix):])
		switch kind {
		case oplog.KindSet:
			v.Set[element] = struct{}{}
		case oplog.KindSortedSet:
			score, err := DecodeScore(it.Value())
			if err != nil {
				return nil, fmt.Errorf("%w: member %q of %q: %v", dataset.ErrCorruptedValue, element, key, err)
			}
			v.ZSet[element] = score
		case oplog.KindHash:
			v.Hash[element] = append([]byte(nil), it.Value()...)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if v.Empty() {
		return nil, nil
	}
	return v, nil
}

// SnapshotMutations stores a serialized scalar or list value.
func SnapshotMutations(key string, kind oplog.Kind, snapshot []byte) ([]Mutation, error) {
	switch kind {
	case oplog.KindScalar:
		return []Mutation{MetaMutation(key, kind), Put(ScalarKey(key), snapshot)}, nil
	case oplog.KindList:
		return []Mutation{MetaMutation(key, kind), Put(ListKey(key), snapshot)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnsupportedValue, kind)
	}
}

// ValueMutations rewrites key with v entirely. A nil v deletes the key.
func ValueMutations(key string, v *dataset.Value) ([]Mutation, error) {
	muts := ResetMutations(key)
	if v.Empty() {
		return muts, nil
	}
	muts = append(muts, MetaMutation(key, v.Kind))
	switch v.Kind {
	case oplog.KindScalar, oplog.KindList:
		snap, err := dataset.EncodeSnapshot(v)
		if err != nil {
			return nil, err
		}
		more, err := SnapshotMutations(key, v.Kind, snap)
		if err != nil {
			return nil, err
		}
		return append(muts, more[1:]...), nil
	case oplog.KindSet:
		for m := range v.Set {
			k, _ := ElementKey(v.Kind, key, m)
			muts = append(muts, Put(k, []byte{}))
		}
	case oplog.KindSortedSet:
		for m, s := range v.ZSet {
			k, _ := ElementKey(v.Kind, key, m)
			muts = append(muts, Put(k, EncodeScore(s)))
		}
	case oplog.KindHash:
		for f, val := range v.Hash {
			k, _ := ElementKey(v.Kind, key, f)
			muts = append(muts, Put(k, val))
		}
	default:
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnsupportedValue, v.Kind)
	}
	return muts, nil
}
