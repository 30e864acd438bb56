package common

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

func TestElementPrefixesDoNotOverlap(t *testing.T) {
	a, err := ElementPrefix(oplog.KindSet, "k")
	require.NoError(t, err)
	b, err := ElementPrefix(oplog.KindSet, "kk")
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(b, a), "prefix of key k must not cover key kk")

	_, err = ElementPrefix(oplog.KindScalar, "k")
	require.Error(t, err)
}

func TestScoreCodec(t *testing.T) {
	for _, s := range []float64{0, -1.25, 3e10} {
		got, err := DecodeScore(EncodeScore(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := DecodeScore([]byte{1})
	require.Error(t, err)
}

func TestThrottledWriterPassesEverything(t *testing.T) {
	src := strings.Repeat("x", 3*chunkSize+17)
	var dst bytes.Buffer
	tw := NewThrottledWriter(context.Background(), &dst, 0)
	n, err := tw.Write([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, len(src), n)
	assert.Equal(t, int64(len(src)), tw.Written())
	assert.Equal(t, src, dst.String())
}

func TestThrottledWriterHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var dst bytes.Buffer
	tw := NewThrottledWriter(ctx, &dst, 1024)
	_, err := tw.Write(make([]byte, 4*chunkSize))
	require.Error(t, err)
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]KV{{Key: []byte("a")}, {Key: []byte("b")}})
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
}
