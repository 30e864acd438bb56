package shard

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	boltstorage "github.com/sushant-115/hybridkv/core/storage_engine/bolt_storage"
	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	flushmanager "github.com/sushant-115/hybridkv/core/write_engine/flush_manager"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.CheckpointInterval = 0
	cfg.CheckpointOpThreshold = 0
	cfg.WAL.FlushInterval = 10 * time.Millisecond
	return cfg
}

func openShard(t *testing.T, dir string, cfg Config) *Shard {
	t.Helper()
	s, err := Open("s0", dir, cfg, Options{
		Storage: boltstorage.Options{NoSync: true},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitDrained(t *testing.T, s *Shard) {
	t.Helper()
	require.Eventually(t, func() bool {
		active, err := s.IsDrainActive(context.Background())
		return err == nil && !active
	}, 5*time.Second, 5*time.Millisecond)
}

func checkpoint(t *testing.T, s *Shard) {
	t.Helper()
	status, err := s.StartCheckpoint(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, flushmanager.StatusStarted, status)
	waitDrained(t, s)
}

func stats(t *testing.T, s *Shard) Stats {
	t.Helper()
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	existed, err := s.Del(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	existed, err = s.Del(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)

	require.ErrorIs(t, s.Set(ctx, "", []byte("v")), ErrEmptyKey)
}

func TestRejectedOperationIsNotLogged(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())

	require.NoError(t, s.Set(ctx, "k", []byte("abc")))
	_, err := s.LPush(ctx, "k", []byte("x"))
	require.ErrorIs(t, err, dataset.ErrWrongType)
	_, err = s.IncrBy(ctx, "k", 1)
	require.ErrorIs(t, err, dataset.ErrNotInteger)

	assert.Equal(t, 1, stats(t, s).ActiveOps)
}

func TestValueKinds(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())

	n, err := s.Append(ctx, "str", []byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	i, err := s.IncrBy(ctx, "num", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), i)

	_, err = s.RPush(ctx, "list", []byte("b"), []byte("c"))
	require.NoError(t, err)
	n, err = s.LPush(ctx, "list", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	items, err := s.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, items)
	head, ok, err := s.LPop(ctx, "list")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", string(head))
	tail, ok, err := s.RPop(ctx, "list")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c", string(tail))
	_, ok, err = s.RPop(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := s.SAdd(ctx, "set", "x", "y", "x")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	removed, err := s.SRem(ctx, "set", "y", "nope")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, members)

	added, err = s.ZAdd(ctx, "z", dataset.ScoredMember{Member: "b", Score: 2}, dataset.ScoredMember{Member: "a", Score: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	ranked, err := s.ZRange(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, []dataset.ScoredMember{{Member: "a", Score: 1}, {Member: "b", Score: 2}}, ranked)

	added, err = s.HSet(ctx, "h", map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	removed, err = s.HDel(ctx, "h", "f2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	val, ok, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(val))

	kind, err := s.Type(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, oplog.KindSortedSet, kind)
	kind, err = s.Type(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, oplog.KindNone, kind)
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openShard(t, dir, testConfig())

	require.NoError(t, s.Set(ctx, "str", []byte("hello")))
	_, err := s.IncrBy(ctx, "num", 7)
	require.NoError(t, err)
	_, err = s.RPush(ctx, "list", []byte("x"), []byte("y"))
	require.NoError(t, err)
	_, err = s.LPush(ctx, "list", []byte("w"))
	require.NoError(t, err)
	_, err = s.SAdd(ctx, "set", "a", "b", "c")
	require.NoError(t, err)
	_, err = s.SRem(ctx, "set", "b")
	require.NoError(t, err)
	_, err = s.ZAdd(ctx, "z", dataset.ScoredMember{Member: "a", Score: 1}, dataset.ScoredMember{Member: "b", Score: 2})
	require.NoError(t, err)
	_, err = s.HSet(ctx, "h", map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")})
	require.NoError(t, err)
	_, err = s.HDel(ctx, "h", "f2")
	require.NoError(t, err)

	checkpoint(t, s)
	st := stats(t, s)
	assert.True(t, st.Drive.Last.Complete)
	assert.Equal(t, 6, st.Drive.Last.Flushed)
	assert.NotZero(t, st.CheckpointPosition)

	// Delete-then-recreate must not resurrect old members.
	_, err = s.Del(ctx, "set")
	require.NoError(t, err)
	_, err = s.SAdd(ctx, "set", "d")
	require.NoError(t, err)
	checkpoint(t, s)
	require.NoError(t, s.Close())

	s = openShard(t, dir, testConfig())
	assert.Zero(t, stats(t, s).RecoveredOps)

	v, _, err := s.Get(ctx, "str")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(v))
	v, _, err = s.Get(ctx, "num")
	require.NoError(t, err)
	assert.Equal(t, "7", string(v))
	items, err := s.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("w"), []byte("x"), []byte("y")}, items)
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, members)
	ranked, err := s.ZRange(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, []dataset.ScoredMember{{Member: "a", Score: 1}, {Member: "b", Score: 2}}, ranked)
	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"f1": []byte("v1")}, all)

	assert.NotZero(t, stats(t, s).Reader.EngineLookups)
}

func TestEmptiedKeyReusedAsAnotherKind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openShard(t, dir, testConfig())

	_, err := s.SAdd(ctx, "k", "a")
	require.NoError(t, err)
	_, err = s.SRem(ctx, "k", "a")
	require.NoError(t, err)
	_, err = s.RPush(ctx, "k", []byte("x"))
	require.NoError(t, err)

	checkpoint(t, s)
	st := stats(t, s)
	assert.True(t, st.Drive.Last.Complete)
	assert.Equal(t, 1, st.Drive.Last.Flushed)
	assert.Zero(t, st.Drive.Last.Errored)
	assert.False(t, st.Drive.PositionStuck)
	require.NoError(t, s.Close())

	s = openShard(t, dir, testConfig())
	assert.Zero(t, stats(t, s).RecoveredOps)
	kind, err := s.Type(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, oplog.KindList, kind)
	items, err := s.LRange(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, items)
	members, err := s.SMembers(ctx, "k")
	assert.ErrorIs(t, err, dataset.ErrWrongType)
	assert.Empty(t, members)
}

func TestRecoveryReplaysUnconfirmedWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openShard(t, dir, testConfig())

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	_, err := s.IncrBy(ctx, "n", 5)
	require.NoError(t, err)
	_, err = s.IncrBy(ctx, "n", 5)
	require.NoError(t, err)
	_, err = s.RPush(ctx, "l", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openShard(t, dir, testConfig())
	assert.Equal(t, 4, stats(t, s).RecoveredOps)
	v, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	v, _, err = s.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "10", string(v))

	// The first tick checkpoints what was recovered.
	require.Eventually(t, func() bool {
		st := stats(t, s)
		return st.Drive.Totals.Drains >= 1 && !st.Drive.DrainActive
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	s = openShard(t, dir, testConfig())
	assert.Zero(t, stats(t, s).RecoveredOps)
	v, _, err = s.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "10", string(v))
	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, items)
}

func TestWriteDuringDrainReadsNewest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openShard(t, dir, testConfig())

	require.NoError(t, s.Set(ctx, "k", []byte("v1")))
	_, err := s.Append(ctx, "s", []byte("a"))
	require.NoError(t, err)
	_, err = s.StartCheckpoint(ctx, true)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v2")))
	_, err = s.Append(ctx, "s", []byte("b"))
	require.NoError(t, err)

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	waitDrained(t, s)
	require.NoError(t, s.Close())

	s = openShard(t, dir, testConfig())
	v, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	v, _, err = s.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "ab", string(v))
}

func TestOpThresholdTriggersCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CheckpointOpThreshold = 4
	s := openShard(t, t.TempDir(), cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(ctx, string(rune('a'+i)), []byte("v")))
	}
	require.Eventually(t, func() bool {
		st := stats(t, s)
		return st.Drive.Totals.Drains >= 1 && st.Drive.Totals.Flushed >= 4
	}, 5*time.Second, 5*time.Millisecond)
}

func TestExpiryLogsDelete(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())

	ok, err := s.Expire(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	ok, err = s.Expire(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	_, has, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, has)

	require.Eventually(t, func() bool {
		exists, err := s.Exists(ctx, "k")
		return err == nil && !exists
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, stats(t, s).ActiveOps)
}

func TestSnapshotWhileBlocked(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openShard(t, dir, testConfig())

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	checkpoint(t, s)

	var buf bytes.Buffer
	_, err := s.Snapshot(ctx, &buf, 0)
	require.ErrorIs(t, err, ErrNotBlocked)

	require.NoError(t, s.Block(ctx))
	blocked, err := s.IsBlocked(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)
	status, err := s.StartCheckpoint(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, flushmanager.StatusBlocked, status)

	n, err := s.Snapshot(ctx, &buf, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	require.NoError(t, s.Unblock(ctx))

	path := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	copyStore, err := boltstorage.Open(path, boltstorage.Options{}, zap.NewNop())
	require.NoError(t, err)
	defer copyStore.Close()
	v, err := common.LoadValue(copyStore, "k")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v", string(v.Str))
}

func TestHangupAndResume(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())
	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	require.NoError(t, s.Hangup(ctx))
	status, err := s.StartCheckpoint(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, flushmanager.StatusSuspended, status)

	require.NoError(t, s.Resume(ctx))
	checkpoint(t, s)

	gaveUp, err := s.GiveUpDrain(ctx)
	require.NoError(t, err)
	assert.False(t, gaveUp)
}

func TestClosedShardRejectsCalls(t *testing.T) {
	ctx := context.Background()
	s := openShard(t, t.TempDir(), testConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Set(ctx, "k", []byte("v")), ErrClosed)
	_, err := s.Stats(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
