package oplog

import (
	"fmt"

	"github.com/sushant-115/hybridkv/core/write_engine/wal"
)

// Status is the flush state of an entry in the immutable generation.
type Status uint8

const (
	StatusInit Status = iota
	StatusFlushing
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusFlushing:
		return "FLUSHING"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// SnapshotState tells whether the cached serialized value of an entry is known.
type SnapshotState uint8

const (
	SnapshotUnknown SnapshotState = iota
	SnapshotPresent
	SnapshotAbsent
)

// Entry holds every pending mutation for one key within one generation.
type Entry struct {
	key    string
	ops    []Operation
	status Status
	giveUp bool

	snapState SnapshotState
	snapshot  []byte

	retries int
}

func newEntry(key string) *Entry {
	return &Entry{key: key}
}

func (e *Entry) Key() string { return e.key }

// Ops returns the surviving operations, oldest first. The slice must not be
// modified by the caller.
func (e *Entry) Ops() []Operation { return e.ops }

func (e *Entry) Len() int { return len(e.ops) }

func (e *Entry) Status() Status { return e.status }

// GiveUp reports whether the entry has been fully retired.
func (e *Entry) GiveUp() bool { return e.giveUp }

// Live reports whether the entry still carries work for the checkpoint.
func (e *Entry) Live() bool { return !e.giveUp && e.status != StatusDone }

// NeedRestoreFromEngine is false when the oldest surviving operation replaces
// the whole value, in which case older layers are irrelevant for this key.
func (e *Entry) NeedRestoreFromEngine() bool {
	if len(e.ops) == 0 {
		return true
	}
	return !e.ops[0].Code.IsEntirety()
}

// Kind is the value kind the surviving operations leave behind. Emptying an
// aggregate frees the key, so a later operation may start another kind; the
// last typed operation wins. An entry made of DEL alone reports KindNone.
func (e *Entry) Kind() Kind {
	for i := len(e.ops) - 1; i >= 0; i-- {
		if k := e.ops[i].Code.Kind(); k != KindNone {
			return k
		}
	}
	return KindNone
}

// KindChanged reports whether the operations span more than one kind.
func (e *Entry) KindChanged() bool {
	kind := KindNone
	for _, op := range e.ops {
		k := op.Code.Kind()
		if k == KindNone {
			continue
		}
		if kind != KindNone && kind != k {
			return true
		}
		kind = k
	}
	return false
}

// LSNs returns the WAL records backing the surviving operations.
func (e *Entry) LSNs() []wal.LSN {
	out := make([]wal.LSN, 0, len(e.ops))
	for _, op := range e.ops {
		if op.LSN != wal.InvalidLSN {
			out = append(out, op.LSN)
		}
	}
	return out
}

// Snapshot returns the cached serialized value and its state.
func (e *Entry) Snapshot() ([]byte, SnapshotState) {
	return e.snapshot, e.snapState
}

// SetSnapshot caches the serialized value. A nil value with present=false
// records that the key has no value.
func (e *Entry) SetSnapshot(value []byte, present bool) {
	if present {
		e.snapState = SnapshotPresent
		e.snapshot = value
		return
	}
	e.snapState = SnapshotAbsent
	e.snapshot = nil
}

func (e *Entry) InvalidateSnapshot() {
	e.snapState = SnapshotUnknown
	e.snapshot = nil
}

// Retries is the number of failed flush attempts for this entry.
func (e *Entry) Retries() int { return e.retries }

// MarkFlushing moves an INIT entry into FLUSHING.
func (e *Entry) MarkFlushing() error {
	if e.giveUp || e.status != StatusInit {
		return fmt.Errorf("%w: key %q is %s", ErrEntryNotWritable, e.key, e.status)
	}
	e.status = StatusFlushing
	return nil
}

// ResetToInit returns a FLUSHING entry to INIT after a failed write.
func (e *Entry) ResetToInit() {
	if e.status == StatusFlushing {
		e.status = StatusInit
	}
}

// RecordFailure counts a failed flush attempt and returns the new total.
func (e *Entry) RecordFailure() int {
	e.retries++
	return e.retries
}

// Retire marks the entry DONE and releases its operations and snapshot. It
// reports false if the entry had already been retired.
func (e *Entry) Retire() bool {
	if e.status == StatusDone {
		return false
	}
	e.status = StatusDone
	e.release()
	return true
}

// Abandon gives up on the entry without marking its effect durable.
func (e *Entry) Abandon() {
	e.release()
}

func (e *Entry) release() {
	e.giveUp = true
	e.ops = nil
	e.snapshot = nil
	e.snapState = SnapshotUnknown
}

func (e *Entry) append(op Operation) {
	if op.Code.IsEntirety() && len(e.ops) > 0 {
		e.ops = nil
		e.InvalidateSnapshot()
	}
	e.ops = append(e.ops, op)
}
