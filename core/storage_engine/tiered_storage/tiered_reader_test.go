package tieredstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

type readerFixture struct {
	table  *oplog.GenerationTable
	ds     *dataset.Dataset
	reader *Reader
}

func newFixture() *readerFixture {
	table := oplog.NewGenerationTable(zap.NewNop())
	ds := dataset.New()
	return &readerFixture{
		table:  table,
		ds:     ds,
		reader: NewReader(table, ds, zap.NewNop()),
	}
}

func (f *readerFixture) append(t *testing.T, key string, code oplog.OpCode, args ...string) {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	op, err := oplog.NewOperation(code, raw...)
	require.NoError(t, err)
	require.NoError(t, f.table.AppendOp(key, op))
}

func (f *readerFixture) scalar(t *testing.T, key string) string {
	t.Helper()
	v, ok := f.ds.Get(key)
	require.True(t, ok, "key %q is not resident", key)
	return string(v.Str)
}

func TestResolve_ActiveEntiretyNeedsNoEngine(t *testing.T) {
	f := newFixture()
	f.append(t, "k", oplog.OpSet, "a")
	f.append(t, "k", oplog.OpAppend, "b")

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	assert.False(t, need)
	assert.Equal(t, "ab", f.scalar(t, "k"))
	assert.Equal(t, 1, f.reader.Stats().FromMemory)
}

func TestResolve_NothingBufferedGoesToEngine(t *testing.T) {
	f := newFixture()

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	assert.True(t, need)

	v, err := f.reader.Complete("k", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, f.ds.Exists("k"))
}

func TestResolve_LayersReplayOldestToNewest(t *testing.T) {
	f := newFixture()
	f.append(t, "k", oplog.OpAppend, "b")
	require.NoError(t, f.table.Rotate())
	f.append(t, "k", oplog.OpAppend, "c")

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	require.True(t, need)

	v, err := f.reader.Complete("k", dataset.NewScalar([]byte("a")))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v.Str))
	assert.Equal(t, "abc", f.scalar(t, "k"))
}

func TestResolve_RotationKeepsNewestValue(t *testing.T) {
	f := newFixture()
	f.append(t, "k", oplog.OpSet, "v1")
	require.NoError(t, f.table.Rotate())
	f.append(t, "k", oplog.OpSet, "v2")

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	assert.False(t, need)
	assert.Equal(t, "v2", f.scalar(t, "k"))
}

func TestResolve_ImmutableEntiretyWithActiveIncrement(t *testing.T) {
	f := newFixture()
	f.append(t, "n", oplog.OpSet, "10")
	require.NoError(t, f.table.Rotate())
	f.append(t, "n", oplog.OpIncrBy, "5")

	need, err := f.reader.Resolve("n")
	require.NoError(t, err)
	assert.False(t, need)
	assert.Equal(t, "15", f.scalar(t, "n"))
}

func TestResolve_FlushingEntryMustWait(t *testing.T) {
	f := newFixture()
	f.append(t, "k", oplog.OpAppend, "b")
	require.NoError(t, f.table.Rotate())
	imm, ok := f.table.ImmutableEntry("k")
	require.True(t, ok)
	require.NoError(t, imm.MarkFlushing())

	_, err := f.reader.Resolve("k")
	require.ErrorIs(t, err, ErrEntryFlushing)
	assert.Equal(t, 1, f.reader.Stats().Flushing)

	imm.Retire()
	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	assert.True(t, need)
}

func TestResolve_CachedSnapshotAvoidsEngine(t *testing.T) {
	f := newFixture()
	f.append(t, "l", oplog.OpRPush, "b")
	require.NoError(t, f.table.Rotate())
	imm, _ := f.table.ImmutableEntry("l")
	snap, err := dataset.EncodeSnapshot(&dataset.Value{Kind: oplog.KindList, List: [][]byte{[]byte("a"), []byte("b")}})
	require.NoError(t, err)
	imm.SetSnapshot(snap, true)
	require.NoError(t, imm.MarkFlushing())
	f.append(t, "l", oplog.OpRPush, "c")

	need, err := f.reader.Resolve("l")
	require.NoError(t, err)
	assert.False(t, need)
	v, ok := f.ds.Get("l")
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, v.List)
}

func TestResolve_DeletedInImmutable(t *testing.T) {
	f := newFixture()
	f.ds.Put("k", dataset.NewScalar([]byte("stale")), dataset.NoExpiry)
	f.append(t, "k", oplog.OpDel)
	require.NoError(t, f.table.Rotate())

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	assert.False(t, need)
	assert.False(t, f.ds.Exists("k"))
}

func TestComplete_SkipsImmutableRetiredMeanwhile(t *testing.T) {
	f := newFixture()
	f.append(t, "k", oplog.OpAppend, "b")
	require.NoError(t, f.table.Rotate())

	need, err := f.reader.Resolve("k")
	require.NoError(t, err)
	require.True(t, need)

	imm, _ := f.table.ImmutableEntry("k")
	require.True(t, imm.Retire())

	v, err := f.reader.Complete("k", dataset.NewScalar([]byte("ab")))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(v.Str))
}

func TestComplete_ReleasedGenerationUsesEngineOnly(t *testing.T) {
	f := newFixture()
	f.append(t, "s", oplog.OpSAdd, "x")
	require.NoError(t, f.table.Rotate())
	imm, _ := f.table.ImmutableEntry("s")
	require.True(t, imm.Retire())
	f.table.ReleaseImmutable()
	f.append(t, "s", oplog.OpSRem, "y")

	need, err := f.reader.Resolve("s")
	require.NoError(t, err)
	require.True(t, need)

	engine := &dataset.Value{Kind: oplog.KindSet, Set: map[string]struct{}{"x": {}, "y": {}}}
	v, err := f.reader.Complete("s", engine)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, v.Members())
}
