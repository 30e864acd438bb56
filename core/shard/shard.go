// Package shard runs one partition of the key space. A single dispatcher
// goroutine owns the resident dataset, the buffered generations, the
// checkpoint drive and the tiered read path; every public method hands a
// closure to it and waits for the result.
//
//	client ──► calls ──► dispatcher ──► WAL append, oplog, dataset
//	                        │  ▲
//	             tasks      ▼  │ completions
//	                    async bridge ──► bolt engine
package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	boltstorage "github.com/sushant-115/hybridkv/core/storage_engine/bolt_storage"
	tieredstorage "github.com/sushant-115/hybridkv/core/storage_engine/tiered_storage"
	asyncbridge "github.com/sushant-115/hybridkv/core/write_engine/async_bridge"
	flushmanager "github.com/sushant-115/hybridkv/core/write_engine/flush_manager"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
	"github.com/sushant-115/hybridkv/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/hybridkv/internal/telemetry"
)

// Options carry the collaborators that are not part of the configuration.
type Options struct {
	Storage boltstorage.Options
	Logger  *zap.Logger
	// Meter and Tracer may be nil, in which case nothing is recorded.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// call is one request executed on the dispatcher.
type call struct {
	key string
	// blind calls do not need the current value of key.
	blind bool
	run   func() error
	done  chan error
}

func (c *call) finish(err error) { c.done <- err }

// load is an outstanding engine read; calls for the key wait on it.
type load struct {
	waiters   []*call
	submitted bool
}

// Shard is one partition. The zero value is not usable, see Open.
type Shard struct {
	tag string
	dir string
	cfg Config

	engine  *boltstorage.Store
	wal     *wal.LogManager
	bridge  *asyncbridge.Bridge
	data    *dataset.Dataset
	table   *oplog.GenerationTable
	drive   *flushmanager.Drive
	reader  *tieredstorage.Reader
	metrics *internaltelemetry.CheckpointMetrics

	calls     chan *call
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Owned by the dispatcher.
	loads          map[string]*load
	flushWait      map[string][]*call
	snapshots      []*snapshotRequest
	recovered      int
	recoveryDone   bool
	lastCheckpoint time.Time
	stopping       bool
	driveStopped   bool

	logger *zap.Logger
}

// Open opens the engine and the WAL under dir, replays unconfirmed writes and
// starts the dispatcher.
func Open(tag, dir string, cfg Config, opts Options) (*Shard, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: empty shard tag", oplog.ErrIllegalArgument)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("shard").With(zap.String("shard", tag))
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory %s: %w", dir, err)
	}
	engine, err := boltstorage.Open(filepath.Join(dir, "data.db"), opts.Storage, logger)
	if err != nil {
		return nil, err
	}
	lm, err := wal.NewLogManager(cfg.walConfig(dir), logger)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to open WAL for shard %s: %w", tag, err)
	}

	metrics := internaltelemetry.NewNoopCheckpointMetrics()
	if opts.Meter != nil {
		if metrics, err = internaltelemetry.NewCheckpointMetrics(opts.Meter, tag); err != nil {
			lm.Close()
			engine.Close()
			return nil, fmt.Errorf("failed to create checkpoint metrics: %w", err)
		}
	}

	s := &Shard{
		tag:            tag,
		dir:            dir,
		cfg:            cfg,
		engine:         engine,
		wal:            lm,
		bridge:         asyncbridge.New(cfg.Bridge, logger),
		data:           dataset.New(),
		table:          oplog.NewGenerationTable(logger),
		metrics:        metrics,
		calls:          make(chan *call),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		loads:          make(map[string]*load),
		flushWait:      make(map[string][]*call),
		lastCheckpoint: time.Now(),
		logger:         logger,
	}
	if err := metrics.RegisterQueueDepth(func() int64 { return int64(s.bridge.QueueDepth()) }); err != nil {
		logger.Warn("Failed to register queue depth gauge", zap.Error(err))
	}
	s.reader = tieredstorage.NewReader(s.table, s.data, logger)
	s.drive = flushmanager.New(cfg.Checkpoint, flushmanager.Deps{
		Table:   s.table,
		Engine:  engine,
		WAL:     lm,
		Bridge:  s.bridge,
		Dataset: s.data,
		Metrics: metrics,
		Tracer:  opts.Tracer,
		Logger:  logger,
	})
	s.drive.OnBatchDone = s.onBatchDone
	s.drive.OnStopped = func() { s.driveStopped = true }

	if err := s.recover(); err != nil {
		s.release()
		return nil, err
	}

	go s.run()
	logger.Info("Shard opened", zap.String("dir", dir), zap.Int("recoveredOps", s.recovered))
	return s, nil
}

func (s *Shard) Tag() string { return s.tag }

// Close stops the checkpoint drive at the next batch boundary, waits for
// in-flight storage tasks and closes the WAL and the engine.
func (s *Shard) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return s.closeErr
}

func (s *Shard) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	closing := s.closing
	for {
		select {
		case c := <-s.calls:
			s.handle(c)
		case comp := <-s.bridge.Completions():
			s.bridge.Dispatch(comp)
			s.trySnapshots()
		case <-ticker.C:
			if !s.stopping {
				s.tick(time.Now())
			}
		case <-closing:
			closing = nil
			s.beginStop()
		}
		if s.stopping && s.driveStopped && s.bridge.Pending() == 0 {
			s.closeErr = s.release()
			s.logger.Info("Shard closed")
			return
		}
	}
}

func (s *Shard) beginStop() {
	s.stopping = true
	for key, l := range s.loads {
		for _, c := range l.waiters {
			c.finish(ErrClosed)
		}
		l.waiters = nil
		if !l.submitted {
			s.table.Unpin(key)
			delete(s.loads, key)
		}
	}
	for key, waiters := range s.flushWait {
		for _, c := range waiters {
			c.finish(ErrClosed)
		}
		delete(s.flushWait, key)
	}
	s.failSnapshots(ErrClosed)
	s.drive.Stop()
}

func (s *Shard) release() error {
	s.bridge.Close()
	return errors.Join(s.wal.Close(), s.engine.Close())
}

// do runs fn on the dispatcher once key is resident.
func (s *Shard) do(ctx context.Context, key string, blind bool, fn func() error) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.send(ctx, &call{key: key, blind: blind, run: fn, done: make(chan error, 1)})
}

// exec runs fn on the dispatcher.
func (s *Shard) exec(ctx context.Context, fn func() error) error {
	return s.send(ctx, &call{run: fn, done: make(chan error, 1)})
}

func (s *Shard) send(ctx context.Context, c *call) error {
	select {
	case s.calls <- c:
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) handle(c *call) {
	switch {
	case s.stopping:
		c.finish(ErrClosed)
	case c.key == "":
		c.finish(c.run())
	case s.park(c):
	case s.data.Exists(c.key):
		s.expireIfDue(c.key, time.Now())
		c.finish(c.run())
	case c.blind:
		c.finish(c.run())
	default:
		s.resolve(c)
	}
}

// tick is the scheduler: expiry, checkpoint triggers, deferred work.
func (s *Shard) tick(now time.Time) {
	s.expireDue(now)

	if !s.recoveryDone {
		s.recoveryDone = true
		if s.recovered > 0 {
			s.startCheckpoint(true)
		}
	}
	if n := s.table.ActiveOpCount(); n > 0 {
		overThreshold := s.cfg.CheckpointOpThreshold > 0 && n >= s.cfg.CheckpointOpThreshold
		overdue := s.cfg.CheckpointInterval > 0 && now.Sub(s.lastCheckpoint) >= s.cfg.CheckpointInterval
		if overThreshold || overdue {
			s.startCheckpoint(true)
		}
	}
	s.drive.Tick()
	s.retryLoads()
	s.trySnapshots()
}

func (s *Shard) startCheckpoint(rotate bool) flushmanager.StartStatus {
	status := s.drive.StartCheckpoint(rotate)
	if status == flushmanager.StatusStarted || status == flushmanager.StatusAlreadyRunning {
		s.lastCheckpoint = time.Now()
	}
	return status
}
