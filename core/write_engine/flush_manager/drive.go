// Package flushmanager drains the immutable generation of buffered writes
// into the persistent engine.
//
// The Drive is a resumable state machine. All of its methods, including the
// batch completion callbacks delivered through the async bridge, must be
// called from the owning shard's dispatcher goroutine.
package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	asyncbridge "github.com/sushant-115/hybridkv/core/write_engine/async_bridge"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
	"github.com/sushant-115/hybridkv/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/hybridkv/internal/telemetry"
)

// State of the drive between batches.
type State uint8

const (
	StateIdle State = iota
	StateWaitIO
	StateAfterIO
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitIO:
		return "wait_io"
	case StateAfterIO:
		return "after_io"
	default:
		return "unknown"
	}
}

// StartStatus is the answer to StartCheckpoint.
type StartStatus uint8

const (
	StatusStarted StartStatus = iota
	StatusAlreadyRunning
	StatusBlocked
	StatusSuspended
	StatusStopping
	StatusFailed
)

func (s StartStatus) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusAlreadyRunning:
		return "already_running"
	case StatusBlocked:
		return "blocked"
	case StatusSuspended:
		return "suspended"
	case StatusStopping:
		return "stopping"
	default:
		return "failed"
	}
}

// WAL is the part of the log the drive needs.
type WAL interface {
	Confirm(ids ...wal.LSN) (wal.LSN, error)
	TagCheckpointPosition() (wal.LSN, error)
	ConfirmCheckpointPosition(token wal.LSN) error
}

// Submitter hands tasks to the storage workers.
type Submitter interface {
	Submit(t *asyncbridge.Task, blocking bool) error
}

// Dataset is the resident key space, read for snapshots.
type Dataset interface {
	Get(key string) (*dataset.Value, bool)
}

// Config tunes the drive.
type Config struct {
	BatchSize int `yaml:"batch_size"`
	// MaxRetries bounds failed writes per entry before it is abandoned.
	MaxRetries int `yaml:"max_retries"`
	// BatchesPerSecond paces submissions. Zero means unpaced.
	BatchesPerSecond float64 `yaml:"batches_per_second"`
}

const DefaultBatchSize = 32

// Deps are the collaborators of a drive.
type Deps struct {
	Table   *oplog.GenerationTable
	Engine  common.Engine
	WAL     WAL
	Bridge  Submitter
	Dataset Dataset
	Metrics *internaltelemetry.CheckpointMetrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Drive is the checkpoint state machine of one shard.
type Drive struct {
	cfg     Config
	table   *oplog.GenerationTable
	engine  common.Engine
	wal     WAL
	bridge  Submitter
	dataset Dataset
	metrics *internaltelemetry.CheckpointMetrics
	tracer  trace.Tracer
	limiter *rate.Limiter
	logger  *zap.Logger

	state State
	txn   *transaction

	stopping        bool
	giveUpDrain     bool
	pendingRotation bool
	blocked         bool
	suspended       bool
	// positionStuck is set while the last drain ended incomplete. The entries
	// it could not flush were requeued into the active generation, so the
	// next complete drain of a rotated generation clears it.
	positionStuck bool

	last   DrainStats
	totals Totals

	// OnBatchDone is called with keys whose entries left FLUSHING: after a
	// batch completes, after a delayed WAL confirm, and when a drain releases
	// entries that were still waiting for one.
	OnBatchDone func(keys []string)
	// OnFinalize is called after each drain is finalized.
	OnFinalize func(stats DrainStats)
	// OnStopped is called once the drive has shut down after Stop.
	OnStopped func()
}

// Totals accumulate over the life of the drive.
type Totals struct {
	Drains   int `json:"drains"`
	Flushed  int `json:"flushed"`
	Errored  int `json:"errored"`
	Retries  int `json:"retries"`
	Released int `json:"released_live"`
}

func New(cfg Config, deps Deps) *Drive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NewNoopCheckpointMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	d := &Drive{
		cfg:     cfg,
		table:   deps.Table,
		engine:  deps.Engine,
		wal:     deps.WAL,
		bridge:  deps.Bridge,
		dataset: deps.Dataset,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		logger:  deps.Logger.Named("checkpoint_drive"),
	}
	if cfg.BatchesPerSecond > 0 {
		burst := int(cfg.BatchesPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), burst)
	}
	return d
}

// StartCheckpoint begins a drain, rotating the active generation first when
// rotate is set. It never blocks.
func (d *Drive) StartCheckpoint(rotate bool) StartStatus {
	switch {
	case d.stopping:
		return StatusStopping
	case d.blocked:
		return StatusBlocked
	case d.suspended:
		return StatusSuspended
	case d.txn != nil:
		// The live drain picks up the next generation when it finishes,
		// whichever way it was asked for.
		d.pendingRotation = true
		return StatusAlreadyRunning
	}

	ctx, span := d.tracer.Start(context.Background(), "checkpoint.drain")
	txn := newTransaction(ctx)
	txn.span = span
	span.SetAttributes(attribute.String("checkpoint.id", txn.id))

	if rotate {
		if d.table.Immutable() != nil {
			// Drain the leftover generation first and rotate afterwards.
			d.pendingRotation = true
		} else if err := d.rotate(txn); err != nil {
			d.logger.Error("Failed to start checkpoint", zap.Error(err))
			span.SetStatus(otelcodes.Error, err.Error())
			span.End()
			return StatusFailed
		}
	}

	d.txn = txn
	d.state = StateIdle
	d.table.ResetCounters()
	d.metrics.DrainStarted(ctx)
	d.logger.Info("Checkpoint started",
		zap.String("id", txn.id),
		zap.Bool("rotated", txn.hasPosition),
		zap.Uint64("position", uint64(txn.position)))
	d.driveOneBatch()
	return StatusStarted
}

func (d *Drive) rotate(txn *transaction) error {
	pos, err := d.wal.TagCheckpointPosition()
	if err != nil {
		return fmt.Errorf("failed to tag checkpoint position: %w", err)
	}
	if err := d.table.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate generations: %w", err)
	}
	txn.position = pos
	txn.hasPosition = true
	return nil
}

// Tick resumes a drain that waits for a retry, an unpinned key, a paced slot
// or a WAL that recovered.
func (d *Drive) Tick() {
	if d.txn != nil && d.state != StateWaitIO {
		d.driveOneBatch()
	}
}

// Hangup pauses the drain at the next batch boundary. In-flight I/O is never
// cancelled.
func (d *Drive) Hangup() {
	d.suspended = true
	d.logger.Info("Checkpoint drive suspended")
}

func (d *Drive) Resume() {
	if !d.suspended {
		return
	}
	d.suspended = false
	d.logger.Info("Checkpoint drive resumed")
	d.continueOrStartPending()
}

// Block freezes checkpointing until Unblock.
func (d *Drive) Block() {
	d.blocked = true
	d.logger.Info("Checkpoint drive blocked")
}

func (d *Drive) Unblock() {
	if !d.blocked {
		return
	}
	d.blocked = false
	d.logger.Info("Checkpoint drive unblocked")
	d.continueOrStartPending()
}

func (d *Drive) continueOrStartPending() {
	if d.txn != nil {
		d.Tick()
		return
	}
	if d.pendingRotation && !d.blocked && !d.suspended {
		d.pendingRotation = false
		d.StartCheckpoint(true)
	}
}

// GiveUpDrain ends the current drain at the next batch boundary without
// flushing the rest of the immutable generation.
func (d *Drive) GiveUpDrain() bool {
	if d.txn == nil {
		return false
	}
	d.giveUpDrain = true
	if d.state != StateWaitIO {
		d.finalize(false)
	}
	return true
}

// Stop finalizes at the next batch boundary and calls OnStopped. It reports
// whether the drive stopped immediately.
func (d *Drive) Stop() bool {
	if d.stopping {
		return d.txn == nil
	}
	d.stopping = true
	if d.txn == nil {
		d.stopped()
		return true
	}
	if d.state != StateWaitIO {
		d.finalize(false)
		return true
	}
	return false
}

func (d *Drive) stopped() {
	d.logger.Info("Checkpoint drive stopped")
	if d.OnStopped != nil {
		d.OnStopped()
	}
}

func (d *Drive) IsDrainActive() bool { return d.txn != nil }

func (d *Drive) IsBlocked() bool { return d.blocked }

// Quiescent reports that no batch is in flight.
func (d *Drive) Quiescent() bool { return d.state != StateWaitIO }

// driveOneBatch collects up to one batch and submits it, or finalizes the
// transaction when the immutable generation is exhausted.
func (d *Drive) driveOneBatch() {
	txn := d.txn
	if txn == nil || d.state == StateWaitIO {
		return
	}
	if d.giveUpDrain || d.stopping {
		d.finalize(false)
		return
	}
	if d.suspended || d.blocked {
		return
	}
	if txn.halted {
		keys := unconfirmedKeys(txn)
		if !d.confirmUnconfirmed(txn) {
			return
		}
		d.batchDone(keys)
		if d.txn != txn || d.state == StateWaitIO {
			return
		}
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return
	}

	items, deferred := d.collect(txn)
	if len(items) == 0 {
		if deferred == 0 && d.exhausted(txn) {
			d.finalize(true)
		}
		return
	}
	d.submit(txn, items)
}

func (d *Drive) exhausted(txn *transaction) bool {
	imm := d.table.Immutable()
	return len(txn.retry) == 0 && len(txn.unconfirmed) == 0 && (imm == nil || txn.cursor >= imm.Len())
}

// collect pulls eligible entries, retries first, and marks them FLUSHING.
// Pinned entries are deferred to a later pass.
func (d *Drive) collect(txn *transaction) ([]*batchItem, int) {
	var (
		items    []*batchItem
		deferred []*oplog.Entry
	)
	consider := func(e *oplog.Entry) {
		switch {
		case e.GiveUp():
			d.table.Counters.SkippedGiveUp++
			d.metrics.Skipped(txn.ctx, "give_up", 1)
			return
		case e.Status() == oplog.StatusDone:
			d.table.Counters.SkippedDone++
			d.metrics.Skipped(txn.ctx, "done", 1)
			return
		case e.Status() == oplog.StatusFlushing:
			return
		case d.table.Pinned(e.Key()):
			deferred = append(deferred, e)
			return
		}
		item, err := d.encode(e)
		if err != nil {
			d.logger.Error("Skipping entry that cannot be encoded",
				zap.String("key", e.Key()), zap.Error(err))
			d.drop(txn, e)
			return
		}
		if err := e.MarkFlushing(); err != nil {
			d.logger.Error("Entry changed state during scan", zap.String("key", e.Key()), zap.Error(err))
			return
		}
		d.table.Counters.Flushing++
		items = append(items, item)
	}

	retry := txn.retry
	txn.retry = nil
	for len(retry) > 0 && len(items) < d.cfg.BatchSize {
		e := retry[0]
		retry = retry[1:]
		d.table.Counters.Retried++
		d.totals.Retries++
		consider(e)
	}
	if imm := d.table.Immutable(); imm != nil {
		for txn.cursor < imm.Len() && len(items) < d.cfg.BatchSize {
			e := imm.At(txn.cursor)
			txn.cursor++
			txn.seen++
			d.table.Counters.Scanned++
			consider(e)
		}
	}
	txn.retry = append(deferred, retry...)
	return items, len(deferred)
}

// drop gives up on an entry without making it durable. Its operations move
// to the active generation for the next drain.
func (d *Drive) drop(txn *transaction, e *oplog.Entry) {
	d.requeue(e)
	e.Abandon()
	txn.incomplete = true
	txn.errored++
	d.table.Counters.Errored++
	d.metrics.Errored(txn.ctx, 1)
}

func (d *Drive) requeue(e *oplog.Entry) {
	if d.table.Requeue(e.Key(), e.Ops()) {
		d.table.Counters.Requeued++
	}
}

// requeueUnflushed hands entries that were never written back to the active
// generation before the immutable one is released.
func (d *Drive) requeueUnflushed() {
	imm := d.table.Immutable()
	if imm == nil {
		return
	}
	imm.Range(func(e *oplog.Entry) bool {
		if e.Live() && e.Status() == oplog.StatusInit {
			d.requeue(e)
		}
		return true
	})
}

func (d *Drive) submit(txn *transaction, items []*batchItem) {
	start := time.Now()
	task := &asyncbridge.Task{
		Tag:  "checkpoint:" + txn.id,
		Exec: func() error { return d.writeBatch(items) },
		OnComplete: func(err error) {
			d.onBatchComplete(txn, items, start, err)
		},
	}
	err := d.bridge.Submit(task, false)
	if err == nil {
		d.state = StateWaitIO
		d.metrics.BatchSubmitted(txn.ctx)
		d.logger.Debug("Checkpoint batch submitted", zap.String("id", txn.id), zap.Int("entries", len(items)))
		return
	}

	// Roll the batch back so the same entries are picked up again.
	rolled := make([]*oplog.Entry, 0, len(items))
	for _, it := range items {
		it.entry.ResetToInit()
		d.table.Counters.Flushing--
		rolled = append(rolled, it.entry)
	}
	txn.retry = append(rolled, txn.retry...)
	if errors.Is(err, asyncbridge.ErrQueueFull) {
		d.logger.Warn("Storage queue full, checkpoint batch deferred", zap.Int("entries", len(items)))
		return
	}
	d.logger.Error("Failed to submit checkpoint batch", zap.Error(err))
}

// writeBatch runs on a storage worker. Plain writes go in one engine batch;
// if that fails each entry is written alone so that one bad key does not
// fail its neighbours.
func (d *Drive) writeBatch(items []*batchItem) error {
	var (
		plain    []*batchItem
		combined []common.Mutation
	)
	for _, it := range items {
		if it.rmw != nil {
			it.err = d.readModifyWrite(it)
			continue
		}
		plain = append(plain, it)
		combined = append(combined, it.muts...)
	}
	if len(plain) == 0 {
		return nil
	}
	if err := d.engine.Write(combined); err == nil {
		return nil
	}
	for _, it := range plain {
		it.err = d.engine.Write(it.muts)
	}
	return nil
}

func (d *Drive) readModifyWrite(it *batchItem) error {
	v, err := common.LoadValue(d.engine, it.key)
	if err != nil {
		return err
	}
	v, err = dataset.Replay(v, it.rmw)
	if err != nil {
		return err
	}
	muts, err := common.ValueMutations(it.key, v)
	if err != nil {
		return err
	}
	return d.engine.Write(muts)
}

// onBatchComplete runs on the dispatcher when a batch comes back.
func (d *Drive) onBatchComplete(txn *transaction, items []*batchItem, start time.Time, taskErr error) {
	d.state = StateAfterIO
	d.metrics.BatchCompleted(txn.ctx, time.Since(start).Milliseconds())

	var ok []*oplog.Entry
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.key)
		err := it.err
		if err == nil {
			err = taskErr
		}
		if err == nil {
			ok = append(ok, it.entry)
			continue
		}
		it.entry.ResetToInit()
		d.table.Counters.Flushing--
		if n := it.entry.RecordFailure(); n > d.cfg.MaxRetries {
			d.logger.Error("Abandoning entry after repeated storage failures",
				zap.String("key", it.key), zap.Int("attempts", n), zap.Error(err))
			d.drop(txn, it.entry)
			continue
		}
		d.logger.Error("Storage write failed, entry will be retried", zap.String("key", it.key), zap.Error(err))
		txn.retry = append(txn.retry, it.entry)
	}

	if len(ok) > 0 {
		txn.unconfirmed = append(txn.unconfirmed, ok...)
		d.confirmUnconfirmed(txn)
	}

	d.state = StateIdle
	d.batchDone(keys)
	if d.txn != txn {
		return
	}
	d.driveOneBatch()
}

func (d *Drive) batchDone(keys []string) {
	if d.OnBatchDone != nil && len(keys) > 0 {
		d.OnBatchDone(keys)
	}
}

func unconfirmedKeys(txn *transaction) []string {
	keys := make([]string, 0, len(txn.unconfirmed))
	for _, e := range txn.unconfirmed {
		keys = append(keys, e.Key())
	}
	return keys
}

// confirmUnconfirmed writes one WAL confirm record for every flushed entry
// still awaiting one and retires them. A WAL failure halts the drain.
func (d *Drive) confirmUnconfirmed(txn *transaction) bool {
	if len(txn.unconfirmed) == 0 {
		txn.halted = false
		return true
	}
	var ids []wal.LSN
	for _, e := range txn.unconfirmed {
		ids = append(ids, e.LSNs()...)
	}
	if _, err := d.wal.Confirm(ids...); err != nil {
		d.logger.Error("WAL confirm failed, checkpoint halted", zap.Int("entries", len(txn.unconfirmed)), zap.Error(err))
		txn.halted = true
		return false
	}
	n := 0
	for _, e := range txn.unconfirmed {
		if e.Retire() {
			n++
		}
	}
	txn.flushed += n
	d.table.Counters.Done += n
	d.table.Counters.Flushing -= n
	d.totals.Flushed += n
	d.metrics.Flushed(txn.ctx, n)
	txn.unconfirmed = nil
	txn.halted = false
	return true
}

// finalize ends the current drain. With complete set and nothing dropped,
// the tagged WAL position becomes the new replay start. Otherwise entries
// that never reached the engine are requeued and the position holds.
func (d *Drive) finalize(complete bool) {
	txn := d.txn
	if txn == nil {
		return
	}
	complete = complete && !txn.incomplete && !d.giveUpDrain && len(txn.unconfirmed) == 0
	// Entries still waiting for a confirm leave with the generation; readers
	// parked on them resolve against the engine afterwards.
	if keys := unconfirmedKeys(txn); len(keys) > 0 {
		defer d.batchDone(keys)
	}

	switch {
	case !complete:
		d.positionStuck = true
		d.requeueUnflushed()
	case txn.hasPosition:
		if err := d.wal.ConfirmCheckpointPosition(txn.position); err != nil {
			d.logger.Error("Failed to confirm checkpoint position", zap.Uint64("position", uint64(txn.position)), zap.Error(err))
		}
		if d.positionStuck {
			d.logger.Info("Checkpoint position moving again", zap.Uint64("position", uint64(txn.position)))
		}
		d.positionStuck = false
	}

	released := d.table.ReleaseImmutable()
	d.metrics.ImmutableReleased(txn.ctx)
	d.metrics.DrainFinished(txn.ctx, complete)

	stats := DrainStats{
		ID:        txn.id,
		Seen:      txn.seen,
		Flushed:   txn.flushed,
		Errored:   txn.errored,
		Complete:  complete,
		Released:  released,
		Position:  uint64(txn.position),
		Duration:  time.Since(txn.started),
		Counters:  d.table.Counters,
		Restarted: txn.restarts > 0,
	}
	d.last = stats
	d.totals.Drains++
	d.totals.Errored += txn.errored
	d.totals.Released += released

	logFn := d.logger.Info
	if !complete {
		logFn = d.logger.Warn
	}
	logFn("Checkpoint finalized",
		zap.String("id", txn.id),
		zap.Bool("complete", complete),
		zap.Int("seen", txn.seen),
		zap.Int("flushed", txn.flushed),
		zap.Int("errored", txn.errored),
		zap.Int("releasedLive", released),
		zap.Bool("positionStuck", d.positionStuck),
		zap.Duration("duration", stats.Duration))
	if d.OnFinalize != nil {
		d.OnFinalize(stats)
	}
	d.giveUpDrain = false
	d.state = StateIdle

	if d.stopping {
		d.endTransaction(txn, complete)
		d.stopped()
		return
	}
	if d.pendingRotation && !d.blocked && !d.suspended {
		d.pendingRotation = false
		txn.reset()
		d.table.ResetCounters()
		if err := d.rotate(txn); err != nil {
			d.logger.Error("Failed to restart checkpoint for pending rotation", zap.Error(err))
			d.endTransaction(txn, false)
			return
		}
		d.logger.Info("Checkpoint restarted for pending rotation", zap.String("id", txn.id), zap.Int("restarts", txn.restarts))
		d.driveOneBatch()
		return
	}
	d.endTransaction(txn, complete)
}

func (d *Drive) endTransaction(txn *transaction, complete bool) {
	if !complete {
		txn.span.SetStatus(otelcodes.Error, "incomplete drain")
	} else {
		txn.span.SetStatus(otelcodes.Ok, "drained")
	}
	txn.span.End()
	d.txn = nil
}

// Stats is a point-in-time view of the drive.
type Stats struct {
	State           string              `json:"state"`
	DrainActive     bool                `json:"drain_active"`
	TransactionID   string              `json:"transaction_id,omitempty"`
	Blocked         bool                `json:"blocked"`
	Suspended       bool                `json:"suspended"`
	Stopping        bool                `json:"stopping"`
	PendingRotation bool                `json:"pending_rotation"`
	// PositionStuck holds the WAL replay position after an incomplete drain.
	// It clears once a later drain flushes everything it requeued; an entry
	// that keeps failing keeps it set and needs an operator.
	PositionStuck   bool                `json:"position_stuck"`
	Counters        oplog.DrainCounters `json:"counters"`
	Last            DrainStats          `json:"last"`
	Totals          Totals              `json:"totals"`
}

func (d *Drive) Stats() Stats {
	s := Stats{
		State:           d.state.String(),
		DrainActive:     d.txn != nil,
		Blocked:         d.blocked,
		Suspended:       d.suspended,
		Stopping:        d.stopping,
		PendingRotation: d.pendingRotation,
		PositionStuck:   d.positionStuck,
		Counters:        d.table.Counters,
		Last:            d.last,
		Totals:          d.totals,
	}
	if d.txn != nil {
		s.TransactionID = d.txn.id
	}
	return s
}
