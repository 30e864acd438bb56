package oplog

import (
	"fmt"

	"go.uber.org/zap"
)

// DrainCounters account for the last or ongoing drain of the immutable
// generation.
type DrainCounters struct {
	Scanned           int `json:"scanned"`
	Flushing          int `json:"flushing"`
	Done              int `json:"done"`
	SkippedGiveUp     int `json:"skipped_give_up"`
	SkippedDone       int `json:"skipped_done"`
	Errored           int `json:"errored"`
	Retried           int `json:"retried"`
	RereadFromDataset int `json:"reread_from_dataset"`
	ReadModifyWrite   int `json:"read_modify_write"`
	Requeued          int `json:"requeued"`
}

// GenerationTable owns the active and immutable generations.
type GenerationTable struct {
	active        *KeyOpLog
	immutable     *KeyOpLog
	activeOpCount int
	pinned        map[string]int

	Counters DrainCounters

	logger *zap.Logger
}

func NewGenerationTable(logger *zap.Logger) *GenerationTable {
	return &GenerationTable{
		active: NewKeyOpLog(),
		pinned: make(map[string]int),
		logger: logger.Named("generation_table"),
	}
}

func (t *GenerationTable) Active() *KeyOpLog { return t.active }

// Immutable returns the generation being drained, or nil.
func (t *GenerationTable) Immutable() *KeyOpLog { return t.immutable }

func (t *GenerationTable) ActiveOpCount() int { return t.activeOpCount }

// AppendOp records op for key in the active generation. An entirety
// operation discards whatever history the entry already had.
func (t *GenerationTable) AppendOp(key string, op Operation) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrIllegalArgument)
	}
	if op.Code == 0 {
		return fmt.Errorf("%w: missing opcode for key %q", ErrIllegalArgument, key)
	}
	e := t.active.getOrCreate(key)
	e.append(op)
	t.activeOpCount++
	return nil
}

// Requeue puts operations that never reached the engine back in front of the
// active entry for key. It reports false, leaving the active generation
// alone, when that entry starts with an entirety operation.
func (t *GenerationTable) Requeue(key string, ops []Operation) bool {
	if len(ops) == 0 {
		return false
	}
	e := t.active.getOrCreate(key)
	if len(e.ops) > 0 && e.ops[0].Code.IsEntirety() {
		return false
	}
	merged := make([]Operation, 0, len(ops)+len(e.ops))
	merged = append(merged, ops...)
	e.ops = append(merged, e.ops...)
	e.InvalidateSnapshot()
	t.activeOpCount += len(ops)
	return true
}

// Rotate turns the active generation into the immutable one and installs an
// empty active generation.
func (t *GenerationTable) Rotate() error {
	if t.immutable != nil {
		return ErrImmutablePending
	}
	t.immutable = t.active
	t.active = NewKeyOpLog()
	t.logger.Debug("Rotated generations",
		zap.Int("immutableEntries", t.immutable.Len()),
		zap.Int("activeOpCount", t.activeOpCount))
	t.activeOpCount = 0
	return nil
}

// ReleaseImmutable frees the immutable generation and reports how many
// entries were still live. Callers requeue the ones that must survive first.
func (t *GenerationTable) ReleaseImmutable() int {
	if t.immutable == nil {
		return 0
	}
	live := t.immutable.Live()
	if live > 0 {
		t.logger.Warn("Releasing immutable generation with live entries", zap.Int("live", live))
	}
	t.immutable = nil
	return live
}

// Size is the number of live entries across both generations.
func (t *GenerationTable) Size() int {
	n := t.active.Live()
	if t.immutable != nil {
		n += t.immutable.Live()
	}
	return n
}

// ActiveEntry returns the active entry for key, if any.
func (t *GenerationTable) ActiveEntry(key string) (*Entry, bool) {
	return t.active.Get(key)
}

// ImmutableEntry returns the immutable entry for key, if any.
func (t *GenerationTable) ImmutableEntry(key string) (*Entry, bool) {
	if t.immutable == nil {
		return nil, false
	}
	return t.immutable.Get(key)
}

// Pin prevents the checkpoint from flushing key while an engine read for it
// is outstanding. Pins nest.
func (t *GenerationTable) Pin(key string) {
	t.pinned[key]++
}

func (t *GenerationTable) Unpin(key string) {
	if n := t.pinned[key]; n > 1 {
		t.pinned[key] = n - 1
		return
	}
	delete(t.pinned, key)
}

func (t *GenerationTable) Pinned(key string) bool {
	return t.pinned[key] > 0
}

func (t *GenerationTable) ResetCounters() {
	t.Counters = DrainCounters{}
}
