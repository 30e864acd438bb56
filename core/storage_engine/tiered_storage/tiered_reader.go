// Package tieredstorage resolves the current value of a key by walking the
// layers newest first: active generation, immutable generation, persistent
// engine. Within each layer operations are replayed oldest to newest and the
// active layer is always applied last.
package tieredstorage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// ErrEntryFlushing means the key's immutable entry is being written to the
// engine and still depends on the engine value. The caller must retry once
// the batch completes.
var ErrEntryFlushing = errors.New("immutable entry is being flushed")

// Store is where resolved values are installed.
type Store interface {
	Put(key string, v *dataset.Value, expireAt int64)
	Delete(key string) bool
}

// ReaderStats count resolutions by outcome.
type ReaderStats struct {
	Resolves      int `json:"resolves"`
	FromMemory    int `json:"from_memory"`
	EngineLookups int `json:"engine_lookups"`
	Flushing      int `json:"flushing"`
	Completed     int `json:"completed"`
}

// Reader is owned by the shard dispatcher.
type Reader struct {
	table  *oplog.GenerationTable
	store  Store
	stats  ReaderStats
	logger *zap.Logger
}

func NewReader(table *oplog.GenerationTable, store Store, logger *zap.Logger) *Reader {
	return &Reader{
		table:  table,
		store:  store,
		logger: logger.Named("tiered_reader"),
	}
}

func (r *Reader) Stats() ReaderStats { return r.stats }

// Resolve installs the value of key into the store when the buffered layers
// are enough to produce it. Otherwise it reports that the engine value is
// needed; the caller fetches it and hands it to Complete.
func (r *Reader) Resolve(key string) (needEngineLookup bool, err error) {
	r.stats.Resolves++

	active, hasActive := r.table.ActiveEntry(key)
	hasActive = hasActive && active.Live()
	if hasActive && !active.NeedRestoreFromEngine() {
		r.stats.FromMemory++
		_, err := r.installValue(key, nil, active)
		return false, err
	}

	imm, ok := r.table.ImmutableEntry(key)
	if !ok || !imm.Live() {
		r.stats.EngineLookups++
		return true, nil
	}

	base, resolved, err := r.immutableValue(imm)
	if err != nil {
		return false, err
	}
	if !resolved {
		if imm.Status() == oplog.StatusFlushing {
			r.stats.Flushing++
			return false, ErrEntryFlushing
		}
		r.stats.EngineLookups++
		return true, nil
	}
	if !hasActive {
		active = nil
	}
	r.stats.FromMemory++
	_, err = r.installValue(key, base, active)
	return false, err
}

// immutableValue produces the value of key as of the immutable generation
// without the engine, when possible.
func (r *Reader) immutableValue(imm *oplog.Entry) (*dataset.Value, bool, error) {
	if !imm.NeedRestoreFromEngine() {
		v, err := dataset.Replay(nil, imm.Ops())
		if err != nil {
			return nil, false, fmt.Errorf("replay of immutable entry %q failed: %w", imm.Key(), err)
		}
		return v, true, nil
	}
	snap, state := imm.Snapshot()
	switch state {
	case oplog.SnapshotAbsent:
		return nil, true, nil
	case oplog.SnapshotPresent:
		v, err := dataset.DecodeSnapshot(imm.Kind(), snap)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return nil, false, nil
}

// Complete finishes a resolution that needed the engine. The immutable entry
// is looked up again since the generations may have moved while the engine
// was read.
func (r *Reader) Complete(key string, engineValue *dataset.Value) (*dataset.Value, error) {
	r.stats.Completed++
	v := engineValue
	if imm, ok := r.table.ImmutableEntry(key); ok && imm.Live() {
		var err error
		if v, err = dataset.Replay(v, imm.Ops()); err != nil {
			return nil, fmt.Errorf("replay of immutable entry %q failed: %w", key, err)
		}
	}
	active, ok := r.table.ActiveEntry(key)
	if !ok || !active.Live() {
		active = nil
	}
	return r.installValue(key, v, active)
}

// installValue replays the active entry on top of base and stores the result.
func (r *Reader) installValue(key string, base *dataset.Value, active *oplog.Entry) (*dataset.Value, error) {
	v := base
	if active != nil {
		if !active.NeedRestoreFromEngine() {
			v = nil
		}
		var err error
		if v, err = dataset.Replay(v, active.Ops()); err != nil {
			return nil, fmt.Errorf("replay of active entry %q failed: %w", key, err)
		}
	}
	if v == nil {
		r.store.Delete(key)
		return nil, nil
	}
	r.store.Put(key, v, dataset.KeepTTL)
	r.logger.Debug("Resolved key", zap.String("key", key), zap.Stringer("kind", v.Kind))
	return v, nil
}
