package dataset

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

func op(t *testing.T, code oplog.OpCode, args ...string) oplog.Operation {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	o, err := oplog.NewOperation(code, raw...)
	require.NoError(t, err)
	return o
}

func TestApplyScalar(t *testing.T) {
	v, err := Replay(nil, []oplog.Operation{
		op(t, oplog.OpAppend, "ab"),
		op(t, oplog.OpAppend, "c"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v.Str))

	v, err = Replay(nil, []oplog.Operation{
		op(t, oplog.OpIncrBy, "5"),
		op(t, oplog.OpIncrBy, "-7"),
	})
	require.NoError(t, err)
	assert.Equal(t, "-2", string(v.Str))

	_, err = Apply(NewScalar([]byte("abc")), op(t, oplog.OpIncrBy, "1"))
	require.ErrorIs(t, err, ErrNotInteger)

	_, err = Apply(NewScalar([]byte(strconv.FormatInt(1<<62, 10))), op(t, oplog.OpIncrBy, strconv.FormatInt(1<<62, 10)))
	require.ErrorIs(t, err, ErrNotInteger)
}

func TestApplyList(t *testing.T) {
	v, err := Replay(nil, []oplog.Operation{
		op(t, oplog.OpRPush, "b", "c"),
		op(t, oplog.OpLPush, "a", "z"),
		op(t, oplog.OpLPop),
		op(t, oplog.OpRPop),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, v.List)

	v, err = Replay(v, []oplog.Operation{op(t, oplog.OpLPop), op(t, oplog.OpLPop)})
	require.NoError(t, err)
	assert.Nil(t, v, "an emptied list no longer exists")
}

func TestApplyAggregates(t *testing.T) {
	s, err := Replay(nil, []oplog.Operation{
		op(t, oplog.OpSAdd, "a", "b", "c"),
		op(t, oplog.OpSRem, "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, s.Members())

	z, err := Replay(nil, []oplog.Operation{
		op(t, oplog.OpZAdd, "2", "two", "1", "one"),
		op(t, oplog.OpZAdd, "3", "one"),
		op(t, oplog.OpZRem, "missing"),
	})
	require.NoError(t, err)
	assert.Equal(t, []ScoredMember{{"two", 2}, {"one", 3}}, z.Ranked())

	h, err := Replay(nil, []oplog.Operation{
		op(t, oplog.OpHSet, "f1", "v1", "f2", "v2"),
		op(t, oplog.OpHDel, "f1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"f2"}, h.Fields())
	assert.Equal(t, "v2", string(h.Hash["f2"]))
}

func TestApplyWrongTypeLeavesValueUntouched(t *testing.T) {
	v, err := Apply(nil, op(t, oplog.OpSAdd, "m"))
	require.NoError(t, err)

	_, err = Apply(v, op(t, oplog.OpHSet, "f", "v"))
	require.ErrorIs(t, err, ErrWrongType)
	assert.Equal(t, []string{"m"}, v.Members())

	// SET replaces any kind.
	v, err = Apply(v, op(t, oplog.OpSet, "x"))
	require.NoError(t, err)
	assert.Equal(t, oplog.KindScalar, v.Kind)
}

func TestCloneIsDeep(t *testing.T) {
	v, err := Apply(nil, op(t, oplog.OpHSet, "f", "v"))
	require.NoError(t, err)
	c := v.Clone()
	_, err = Apply(c, op(t, oplog.OpHSet, "f", "changed"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v.Hash["f"]))
}

func TestDatasetExpiry(t *testing.T) {
	d := New()
	d.Put("a", NewScalar([]byte("1")), 100)
	d.Put("b", NewScalar([]byte("2")), 50)
	d.Put("c", NewScalar([]byte("3")), NoExpiry)

	assert.Equal(t, []string{"b", "a"}, d.Due(100, 0))
	assert.Equal(t, []string{"b"}, d.Due(100, 1))
	assert.Empty(t, d.Due(10, 0))

	d.Put("a", NewScalar([]byte("1b")), KeepTTL)
	at, ok := d.ExpireAt("a")
	require.True(t, ok)
	assert.Equal(t, int64(100), at)

	d.Put("a", NewScalar([]byte("1c")), NoExpiry)
	_, ok = d.ExpireAt("a")
	assert.False(t, ok)

	assert.False(t, d.Expire("missing", 1))
	assert.True(t, d.Delete("b"))
	assert.False(t, d.Exists("b"))
	assert.Equal(t, []string{"a", "c"}, d.Keys())

	d.Put("c", nil, NoExpiry)
	assert.Equal(t, 1, d.Len())
}

func TestSnapshotCodec(t *testing.T) {
	list := &Value{Kind: oplog.KindList, List: [][]byte{[]byte("x"), {}, []byte("yz")}}
	b, err := EncodeSnapshot(list)
	require.NoError(t, err)
	got, err := DecodeSnapshot(oplog.KindList, b)
	require.NoError(t, err)
	assert.Equal(t, list.List, got.List)

	_, err = DecodeList(append(b, 1))
	require.ErrorIs(t, err, ErrCorruptedValue)
	_, err = DecodeList([]byte{5, 1})
	require.ErrorIs(t, err, ErrCorruptedValue)

	_, err = EncodeSnapshot(&Value{Kind: oplog.KindSet})
	require.ErrorIs(t, err, ErrUnsupportedValue)
}
