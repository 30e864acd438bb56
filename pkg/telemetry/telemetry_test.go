package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := tel.Meter.Int64Counter("unused")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledExposesPrometheus(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "hybridkv-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := tel.Meter.Int64Counter("hybridkv_test_requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "test")
	span.End()

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hybridkv_test_requests")
}
