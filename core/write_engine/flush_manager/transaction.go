package flushmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
	"github.com/sushant-115/hybridkv/core/write_engine/wal"
)

// transaction is one in-flight drain of the immutable generation.
type transaction struct {
	id      string
	ctx     context.Context
	span    trace.Span
	started time.Time

	cursor int
	// retry holds entries to revisit before advancing the cursor: pinned
	// ones, ones rolled back after a rejected submit and ones whose write
	// failed.
	retry []*oplog.Entry
	// unconfirmed entries reached the engine but their WAL confirm failed.
	unconfirmed []*oplog.Entry

	seen    int
	flushed int
	errored int

	position    wal.LSN
	hasPosition bool
	// incomplete is set once any entry was dropped without being flushed.
	incomplete bool
	// halted stops scanning until the unconfirmed entries are confirmed.
	halted bool
	// restarts counts pending rotations folded into this drain.
	restarts int
}

func newTransaction(ctx context.Context) *transaction {
	return &transaction{
		id:      uuid.New().String(),
		ctx:     ctx,
		started: time.Now(),
	}
}

// reset prepares the transaction for the next generation after a pending
// rotation.
func (t *transaction) reset() {
	t.cursor = 0
	t.retry = nil
	t.unconfirmed = nil
	t.seen, t.flushed, t.errored = 0, 0, 0
	t.position, t.hasPosition = wal.InvalidLSN, false
	t.incomplete = false
	t.halted = false
	t.restarts++
}

// DrainStats summarizes one finalized drain.
type DrainStats struct {
	ID        string              `json:"id"`
	Seen      int                 `json:"seen"`
	Flushed   int                 `json:"flushed"`
	Errored   int                 `json:"errored"`
	Complete  bool                `json:"complete"`
	Released  int                 `json:"released_live"`
	Position  uint64              `json:"position"`
	Duration  time.Duration       `json:"duration"`
	Counters  oplog.DrainCounters `json:"counters"`
	Restarted bool                `json:"restarted"`
}
