package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesPrometheusFormat(t *testing.T) {
	metrics.BucketsTotal.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "synccore_buckets_total 3")
}

func TestTimerObservesNonNegativeDuration(t *testing.T) {
	timer := metrics.NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(metrics.SyncLocalDuration)
}

func TestCounterVecIncrementsByLabel(t *testing.T) {
	metrics.OpsAppliedTotal.WithLabelValues("put").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), `synccore_ops_applied_total{op="put"}`)
}
