package flushmanager

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// batchItem is the encoded write-command of one entry. err is filled in by
// the storage worker.
type batchItem struct {
	entry *oplog.Entry
	key   string
	muts  []common.Mutation
	// rmw is set when the value must be rebuilt from the engine on the worker.
	rmw []oplog.Operation
	err error
}

// encode builds the write-command for e. It runs on the dispatcher.
func (d *Drive) encode(e *oplog.Entry) (*batchItem, error) {
	kind := e.Kind()
	key := e.Key()
	reset := !e.NeedRestoreFromEngine()
	item := &batchItem{entry: e, key: key}
	if e.KindChanged() {
		if err := d.encodeRewrite(item, reset); err != nil {
			return nil, err
		}
		return item, nil
	}

	switch kind {
	case oplog.KindNone:
		item.muts = common.ResetMutations(key)
	case oplog.KindScalar, oplog.KindList:
		if err := d.encodeSnapshot(item, kind, reset); err != nil {
			return nil, err
		}
	case oplog.KindSet, oplog.KindSortedSet, oplog.KindHash:
		muts, err := diffMutations(key, kind, e.Ops())
		if err != nil {
			return nil, err
		}
		if reset {
			muts = append(common.ResetMutations(key), muts...)
		}
		item.muts = muts
	default:
		return nil, fmt.Errorf("%w: %s for key %q", ErrUnsupportedKind, kind, key)
	}
	return item, nil
}

// encodeRewrite handles an entry whose key was emptied and then reused for
// another kind. An element diff cannot express that, so the key is written
// whole: from the cached snapshot, from a replay of an entirety-first entry,
// from the dataset, or else from the engine on the worker.
func (d *Drive) encodeRewrite(item *batchItem, reset bool) error {
	e := item.entry
	var (
		v   *dataset.Value
		err error
	)
	snap, state := e.Snapshot()
	switch {
	case state == oplog.SnapshotAbsent:
	case state == oplog.SnapshotPresent:
		if v, err = dataset.DecodeSnapshot(e.Kind(), snap); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedKind, err)
		}
	case reset:
		if v, err = dataset.Replay(nil, e.Ops()); err != nil {
			return fmt.Errorf("%w: replay of %q failed: %v", ErrUnsupportedKind, item.key, err)
		}
	default:
		resident, ok := d.residentValue(e)
		if !ok {
			d.table.Counters.ReadModifyWrite++
			item.rmw = e.Ops()
			return nil
		}
		d.table.Counters.RereadFromDataset++
		v = resident
	}
	item.muts, err = common.ValueMutations(item.key, v)
	return err
}

// residentValue returns a copy of the dataset value of e's key when nothing
// newer shadows it and it already has the kind e leaves behind.
func (d *Drive) residentValue(e *oplog.Entry) (*dataset.Value, bool) {
	if d.dataset == nil {
		return nil, false
	}
	if _, ok := d.table.ActiveEntry(e.Key()); ok {
		return nil, false
	}
	v, ok := d.dataset.Get(e.Key())
	if !ok || v.Kind != e.Kind() {
		return nil, false
	}
	return v.Clone(), true
}

// encodeSnapshot writes scalar and list values whole. The snapshot comes from
// the entry cache, from replaying an entirety-first entry, or from the
// dataset when no newer write shadows it. Failing all three the worker
// rebuilds the value from the engine.
func (d *Drive) encodeSnapshot(item *batchItem, kind oplog.Kind, reset bool) error {
	e := item.entry
	snap, state := e.Snapshot()
	if state == oplog.SnapshotUnknown {
		switch {
		case reset:
			v, err := dataset.Replay(nil, e.Ops())
			if err != nil {
				return fmt.Errorf("%w: replay of %q failed: %v", ErrUnsupportedKind, item.key, err)
			}
			if err := cacheSnapshot(e, v); err != nil {
				return err
			}
		case d.snapshotFromDataset(e, kind):
			d.table.Counters.RereadFromDataset++
		default:
			d.table.Counters.ReadModifyWrite++
			item.rmw = e.Ops()
			return nil
		}
		snap, state = e.Snapshot()
	}

	if state == oplog.SnapshotAbsent {
		item.muts = common.ResetMutations(item.key)
		return nil
	}
	muts, err := common.SnapshotMutations(item.key, kind, snap)
	if err != nil {
		return err
	}
	if reset {
		muts = append(common.ResetMutations(item.key), muts...)
	}
	item.muts = muts
	return nil
}

// snapshotFromDataset caches the resident value of e's key when no active
// entry exists for it, so the dataset still reflects exactly this generation.
func (d *Drive) snapshotFromDataset(e *oplog.Entry, kind oplog.Kind) bool {
	if d.dataset == nil {
		return false
	}
	if _, ok := d.table.ActiveEntry(e.Key()); ok {
		return false
	}
	v, ok := d.dataset.Get(e.Key())
	if !ok || v.Kind != kind {
		return false
	}
	return cacheSnapshot(e, v) == nil
}

func cacheSnapshot(e *oplog.Entry, v *dataset.Value) error {
	if v.Empty() {
		e.SetSnapshot(nil, false)
		return nil
	}
	b, err := dataset.EncodeSnapshot(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, err)
	}
	e.SetSnapshot(b, true)
	return nil
}

// diffMutations replays the aggregate operations into a minimal add-set and
// remove-set. A later remove cancels an earlier add of the same element and
// vice versa.
func diffMutations(key string, kind oplog.Kind, ops []oplog.Operation) ([]common.Mutation, error) {
	adds := make(map[string][]byte)
	removes := make(map[string]struct{})
	add := func(el string, val []byte) {
		adds[el] = val
		delete(removes, el)
	}
	remove := func(el string) {
		delete(adds, el)
		removes[el] = struct{}{}
	}

	for _, op := range ops {
		switch op.Code {
		case oplog.OpDel:
		case oplog.OpSAdd:
			for _, a := range op.Args {
				add(string(a), []byte{})
			}
		case oplog.OpZAdd:
			for i := 0; i+1 < len(op.Args); i += 2 {
				score, err := strconv.ParseFloat(string(op.Args[i]), 64)
				if err != nil {
					return nil, fmt.Errorf("%w: bad score for %q", ErrUnsupportedKind, key)
				}
				add(string(op.Args[i+1]), common.EncodeScore(score))
			}
		case oplog.OpHSet:
			for i := 0; i+1 < len(op.Args); i += 2 {
				add(string(op.Args[i]), op.Args[i+1])
			}
		case oplog.OpSRem, oplog.OpZRem, oplog.OpHDel:
			for _, a := range op.Args {
				remove(string(a))
			}
		default:
			return nil, fmt.Errorf("%w: %s in %s entry %q", ErrUnsupportedKind, op.Code, kind, key)
		}
	}

	muts := []common.Mutation{common.MetaMutation(key, kind)}
	for _, el := range sortedKeys(adds) {
		k, err := common.ElementKey(kind, key, el)
		if err != nil {
			return nil, err
		}
		muts = append(muts, common.Put(k, adds[el]))
	}
	for el := range removes {
		k, err := common.ElementKey(kind, key, el)
		if err != nil {
			return nil, err
		}
		muts = append(muts, common.Delete(k))
	}
	return muts, nil
}

func sortedKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
