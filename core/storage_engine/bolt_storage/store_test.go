package boltstorage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data.db"), Options{NoSync: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPutDelete(t *testing.T) {
	s := setupStore(t)

	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.MultiPut([]common.KV{{Key: []byte("b"), Value: []byte("2")}, {Key: []byte("c"), Value: []byte("3")}}))
	v, err := s.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, s.MultiDelete([][]byte{[]byte("a"), []byte("b"), []byte("missing")}))
	_, err = s.Get([]byte("a"))
	require.ErrorIs(t, err, common.ErrNotFound)

	require.ErrorIs(t, s.Put(nil, []byte("x")), common.ErrEmptyKey)
}

func TestWriteDeletePrefixKeepsNeighbours(t *testing.T) {
	s := setupStore(t)

	set := &dataset.Value{Kind: oplog.KindSet, Set: map[string]struct{}{"a": {}, "b": {}, "c": {}}}
	muts, err := common.ValueMutations("k", set)
	require.NoError(t, err)
	require.NoError(t, s.Write(muts))

	other := &dataset.Value{Kind: oplog.KindSet, Set: map[string]struct{}{"x": {}}}
	muts, err = common.ValueMutations("kk", other)
	require.NoError(t, err)
	require.NoError(t, s.Write(muts))

	require.NoError(t, s.Write(common.ResetMutations("k")))

	got, err := common.LoadValue(s, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = common.LoadValue(s, "kk")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"x"}, got.Members())
}

func TestLoadValueAllKinds(t *testing.T) {
	s := setupStore(t)

	values := map[string]*dataset.Value{
		"str":   dataset.NewScalar([]byte("hello")),
		"empty": dataset.NewScalar([]byte{}),
		"list":  {Kind: oplog.KindList, List: [][]byte{[]byte("a"), []byte("b")}},
		"zset":  {Kind: oplog.KindSortedSet, ZSet: map[string]float64{"m": 1.5, "n": -2}},
		"hash":  {Kind: oplog.KindHash, Hash: map[string][]byte{"f": []byte("v")}},
	}
	for k, v := range values {
		muts, err := common.ValueMutations(k, v)
		require.NoError(t, err)
		require.NoError(t, s.Write(muts))
	}

	for k, want := range values {
		got, err := common.LoadValue(s, k)
		require.NoError(t, err, k)
		require.NotNil(t, got, k)
		assert.Equal(t, want.Kind, got.Kind, k)
		switch want.Kind {
		case oplog.KindScalar:
			assert.Equal(t, string(want.Str), string(got.Str), k)
		case oplog.KindList:
			assert.Equal(t, want.List, got.List, k)
		case oplog.KindSortedSet:
			assert.Equal(t, want.ZSet, got.ZSet, k)
		case oplog.KindHash:
			assert.Equal(t, want.Hash, got.Hash, k)
		}
	}

	missing, err := common.LoadValue(s, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBackupThroughThrottledWriter(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))

	var buf bytes.Buffer
	tw := common.NewThrottledWriter(context.Background(), &buf, 0)
	n, err := s.Backup(tw)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, n, tw.Written())

	restored := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(restored, buf.Bytes(), 0o600))
	r, err := Open(restored, Options{}, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()
	v, err := r.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestClosedStore(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, common.ErrClosed)
}
