package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWorkflow("ready")
		m.RecordStep("Seed", "success", time.Second)
		m.SetQueueDepth(3)
		m.RecordCacheHit()
		m.RecordDecryptFailure()
	})
}

func TestCollectors(t *testing.T) {
	m := New("test")
	m.RecordStep("Seed", "success", 10*time.Millisecond)
	m.RecordStep("Seed", "failed", 10*time.Millisecond)
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.SetQueueDepth(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("Seed", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth))

	// A second instance uses its own registry.
	assert.NotPanics(t, func() { New("test") })
}

func TestMetricsHandler(t *testing.T) {
	m := New("test")
	m.RecordWorkflow("ready")

	s := NewServer(m, "127.0.0.1:0")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_provisioning_workflows_total{outcome="ready"} 1`)
}
