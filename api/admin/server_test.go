package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/hybridkv/core/shard"
	boltstorage "github.com/sushant-115/hybridkv/core/storage_engine/bolt_storage"
)

func newTestServer(t *testing.T) (*Server, *shard.Shard, *httptest.Server) {
	t.Helper()
	cfg := shard.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.CheckpointInterval = 0
	cfg.CheckpointOpThreshold = 0
	cfg.WAL.FlushInterval = 10 * time.Millisecond

	sh, err := shard.Open("a", t.TempDir(), cfg, shard.Options{
		Storage: boltstorage.Options{NoSync: true},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})
	srv := New([]*shard.Shard{sh}, metrics, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, sh, ts
}

func post(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func healthOf(t *testing.T, srv *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"a"}, body["shards"])

	resp2, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestUnknownShard(t *testing.T) {
	_, _, ts := newTestServer(t)
	code, body := post(t, ts.URL+"/admin/shards/zz/checkpoint")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "zz")
}

func TestCheckpointAndStats(t *testing.T) {
	_, sh, ts := newTestServer(t)
	require.NoError(t, sh.Set(context.Background(), "k", []byte("v")))

	code, _ := post(t, ts.URL+"/admin/shards/a/checkpoint?rotate=nope")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := post(t, ts.URL+"/admin/shards/a/checkpoint")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "started", body["status"])

	require.Eventually(t, func() bool {
		active, err := sh.IsDrainActive(context.Background())
		return err == nil && !active
	}, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/admin/shards/a/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st shard.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "a", st.Tag)
	assert.Equal(t, 0, st.ActiveOps)
}

func TestBlockGatesSnapshotAndHealth(t *testing.T) {
	srv, sh, ts := newTestServer(t)
	require.NoError(t, sh.Set(context.Background(), "k", []byte("v")))
	service := ServiceName("a")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, service))

	resp, err := http.Get(ts.URL + "/admin/shards/a/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	code, _ := post(t, ts.URL+"/admin/shards/a/block")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthOf(t, srv, service))

	code, body := post(t, ts.URL+"/admin/shards/a/checkpoint")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "blocked", body["status"])

	resp, err = http.Get(ts.URL + "/admin/shards/a/snapshot?rate=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	copied, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, copied)

	code, _ = post(t, ts.URL+"/admin/shards/a/unblock")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthOf(t, srv, service))
}

func TestGiveUpWithoutDrain(t *testing.T) {
	_, _, ts := newTestServer(t)
	code, body := post(t, ts.URL+"/admin/shards/a/giveup")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["gave_up"])
}
