package shard

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	tieredstorage "github.com/sushant-115/hybridkv/core/storage_engine/tiered_storage"
	asyncbridge "github.com/sushant-115/hybridkv/core/write_engine/async_bridge"
	flushmanager "github.com/sushant-115/hybridkv/core/write_engine/flush_manager"
)

// StartCheckpoint starts a drain of the immutable generation, rotating the
// active one first when rotate is set.
func (s *Shard) StartCheckpoint(ctx context.Context, rotate bool) (flushmanager.StartStatus, error) {
	status := flushmanager.StatusFailed
	err := s.exec(ctx, func() error {
		status = s.startCheckpoint(rotate)
		return nil
	})
	return status, err
}

// Hangup pauses checkpointing at the next batch boundary.
func (s *Shard) Hangup(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.drive.Hangup()
		return nil
	})
}

func (s *Shard) Resume(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.drive.Resume()
		return nil
	})
}

// Block freezes checkpointing, e.g. while a snapshot of the engine is taken.
func (s *Shard) Block(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.drive.Block()
		return nil
	})
}

func (s *Shard) Unblock(ctx context.Context) error {
	return s.exec(ctx, func() error {
		s.drive.Unblock()
		s.trySnapshots()
		return nil
	})
}

// GiveUpDrain abandons the running drain. It reports whether one was running.
func (s *Shard) GiveUpDrain(ctx context.Context) (bool, error) {
	var ok bool
	err := s.exec(ctx, func() error {
		ok = s.drive.GiveUpDrain()
		return nil
	})
	return ok, err
}

func (s *Shard) IsDrainActive(ctx context.Context) (bool, error) {
	var ok bool
	err := s.exec(ctx, func() error {
		ok = s.drive.IsDrainActive()
		return nil
	})
	return ok, err
}

func (s *Shard) IsBlocked(ctx context.Context) (bool, error) {
	var ok bool
	err := s.exec(ctx, func() error {
		ok = s.drive.IsBlocked()
		return nil
	})
	return ok, err
}

// Stats is a point-in-time view of a shard.
type Stats struct {
	Tag                string                    `json:"tag"`
	ResidentKeys       int                       `json:"resident_keys"`
	ActiveEntries      int                       `json:"active_entries"`
	ActiveOps          int                       `json:"active_ops"`
	ImmutableLive      int                       `json:"immutable_live"`
	PendingLoads       int                       `json:"pending_loads"`
	WaitingOnFlush     int                       `json:"waiting_on_flush"`
	BridgePending      int                       `json:"bridge_pending"`
	BridgeQueueDepth   int                       `json:"bridge_queue_depth"`
	WALPosition        uint64                    `json:"wal_position"`
	CheckpointPosition uint64                    `json:"checkpoint_position"`
	RecoveredOps       int                       `json:"recovered_ops"`
	Reader             tieredstorage.ReaderStats `json:"reader"`
	Drive              flushmanager.Stats        `json:"drive"`
}

func (s *Shard) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.exec(ctx, func() error {
		st = Stats{
			Tag:                s.tag,
			ResidentKeys:       s.data.Len(),
			ActiveEntries:      s.table.Active().Live(),
			ActiveOps:          s.table.ActiveOpCount(),
			PendingLoads:       len(s.loads),
			WaitingOnFlush:     len(s.flushWait),
			BridgePending:      s.bridge.Pending(),
			BridgeQueueDepth:   s.bridge.QueueDepth(),
			WALPosition:        uint64(s.wal.CurrentLSN()),
			CheckpointPosition: uint64(s.wal.CheckpointPosition()),
			RecoveredOps:       s.recovered,
			Reader:             s.reader.Stats(),
			Drive:              s.drive.Stats(),
		}
		if imm := s.table.Immutable(); imm != nil {
			st.ImmutableLive = imm.Live()
		}
		return nil
	})
	return st, err
}

type snapshotResult struct {
	n   int64
	err error
}

type snapshotRequest struct {
	ctx         context.Context
	w           io.Writer
	bytesPerSec int64
	done        chan snapshotResult
}

// Snapshot streams a consistent copy of the engine to w at no more than
// bytesPerSec (unlimited when not positive). Checkpointing must be blocked;
// the copy starts once the batch in flight, if any, has completed.
func (s *Shard) Snapshot(ctx context.Context, w io.Writer, bytesPerSec int64) (int64, error) {
	req := &snapshotRequest{ctx: ctx, w: w, bytesPerSec: bytesPerSec, done: make(chan snapshotResult, 1)}
	c := &call{
		run: func() error {
			if !s.drive.IsBlocked() {
				return ErrNotBlocked
			}
			s.snapshots = append(s.snapshots, req)
			s.trySnapshots()
			return nil
		},
		done: make(chan error, 1),
	}
	select {
	case s.calls <- c:
	case <-s.closing:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	// w must not be touched after return, so once queued a cancelled caller
	// still waits for the worker to notice.
	if err := <-c.done; err != nil {
		return 0, err
	}
	r := <-req.done
	return r.n, r.err
}

func (s *Shard) trySnapshots() {
	if len(s.snapshots) == 0 {
		return
	}
	if !s.drive.IsBlocked() {
		s.failSnapshots(ErrNotBlocked)
		return
	}
	if !s.drive.Quiescent() {
		return
	}
	for len(s.snapshots) > 0 {
		req := s.snapshots[0]
		err := req.ctx.Err()
		if err == nil {
			err = s.submitSnapshot(req)
		}
		if errors.Is(err, asyncbridge.ErrQueueFull) {
			return
		}
		s.snapshots = s.snapshots[1:]
		if err != nil {
			req.done <- snapshotResult{err: err}
		}
	}
	s.snapshots = nil
}

func (s *Shard) submitSnapshot(req *snapshotRequest) error {
	var n int64
	task := &asyncbridge.Task{
		Tag: "snapshot",
		Exec: func() error {
			var err error
			n, err = s.engine.Backup(common.NewThrottledWriter(req.ctx, req.w, req.bytesPerSec))
			return err
		},
		OnComplete: func(err error) {
			if err != nil {
				s.logger.Error("Engine snapshot failed", zap.Error(err))
			} else {
				s.logger.Info("Engine snapshot written", zap.Int64("bytes", n))
			}
			req.done <- snapshotResult{n: n, err: err}
		},
	}
	return s.bridge.Submit(task, false)
}

func (s *Shard) failSnapshots(err error) {
	for _, req := range s.snapshots {
		req.done <- snapshotResult{err: err}
	}
	s.snapshots = nil
}
