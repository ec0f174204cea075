package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup("found")
		m.Resolved("upward")
		m.IndexBuilt("complete", 10, time.Second)
		m.Run("started")
		m.OutputBytes(42)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.CacheLookup("found")
	m.CacheLookup("found")
	m.CacheLookup("absent")
	m.Resolved("index")
	m.IndexBuilt("timeout", 120, 50*time.Millisecond)
	m.Run("exit_nonzero")
	m.OutputBytes(1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("absent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexBuilds.WithLabelValues("timeout")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.indexFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("exit_nonzero")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.outputBytes))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Resolved("cache")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `phpunitkit_resolutions_total{strategy="cache"} 1`)
}
