package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Move()
	m.Read(2)
	m.Timeout()
	m.Step(0.1)
	m.Finished("lockin", "ok")
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Move()
	m.Move()
	m.Read(2)
	m.Step(0.3)
	m.Finished("lockin", "failed")
	assert.Equal(t, 2., testutil.ToFloat64(m.StageMoves))
	assert.Equal(t, 2., testutil.ToFloat64(m.BoxcarReads))
	assert.Equal(t, 1., testutil.ToFloat64(m.ScanSteps))
	assert.Equal(t, 1., testutil.ToFloat64(m.Scans.WithLabelValues("lockin", "failed")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Timeout()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "delayscan_read_timeouts_total 1"))
}
