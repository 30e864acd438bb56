package shard

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// mutate logs op and applies it to the resident value of key. The value is
// checked first so that nothing is logged for a rejected operation.
func (s *Shard) mutate(key string, op oplog.Operation, expireAt int64) (*dataset.Value, error) {
	cur, _ := s.data.Get(key)
	if err := dataset.Check(cur, op); err != nil {
		return nil, err
	}
	s.captureImmutable(key, cur)

	lsn, err := s.wal.Append(uint8(op.Code), key, op.Args, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to log %s for key %q: %w", op.Code, key, err)
	}
	op.LSN = lsn
	if err := s.table.AppendOp(key, op); err != nil {
		return nil, err
	}
	next, err := dataset.Apply(cur, op)
	if err != nil {
		return nil, err
	}
	s.data.Put(key, next, expireAt)
	s.logger.Debug("Applied operation",
		zap.String("key", key),
		zap.Stringer("op", op.Code),
		zap.Uint64("lsn", uint64(lsn)))

	if s.cfg.CheckpointOpThreshold > 0 && s.table.ActiveOpCount() >= s.cfg.CheckpointOpThreshold {
		s.startCheckpoint(true)
	}
	return next, nil
}

// captureImmutable caches the value of a scalar or list immutable entry
// before the first active write shadows it, so the drive can flush a snapshot
// instead of reading the engine.
func (s *Shard) captureImmutable(key string, cur *dataset.Value) {
	if cur == nil {
		return
	}
	if _, ok := s.table.ActiveEntry(key); ok {
		return
	}
	imm, ok := s.table.ImmutableEntry(key)
	if !ok || !imm.Live() || imm.Status() != oplog.StatusInit {
		return
	}
	if _, state := imm.Snapshot(); state != oplog.SnapshotUnknown {
		return
	}
	kind := imm.Kind()
	if kind != cur.Kind || (kind != oplog.KindScalar && kind != oplog.KindList) {
		return
	}
	b, err := dataset.EncodeSnapshot(cur)
	if err != nil {
		return
	}
	imm.SetSnapshot(b, true)
}

func (s *Shard) expireIfDue(key string, now time.Time) {
	if at, ok := s.data.ExpireAt(key); ok && at <= now.UnixMilli() {
		s.expireKey(key)
	}
}

func (s *Shard) expireDue(now time.Time) {
	for _, key := range s.data.Due(now.UnixMilli(), s.cfg.ExpireBatch) {
		s.expireKey(key)
	}
}

// expireKey deletes key through the log like a client DEL, so that the
// deletion reaches the engine.
func (s *Shard) expireKey(key string) {
	del, _ := oplog.NewOperation(oplog.OpDel)
	if _, err := s.mutate(key, del, dataset.NoExpiry); err != nil {
		s.logger.Error("Failed to expire key", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Debug("Expired key", zap.String("key", key))
}
