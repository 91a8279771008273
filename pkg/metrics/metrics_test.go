package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.JobSubmitted()
	m.JobSubmitted()
	m.AdmissionRejected("unsupported_format")
	m.JobFinished("completed", 3*time.Second)
	m.JobFinished("failed", 0)
	m.PoolState(2, 5, 4)
	m.SweepResult(3, 1)
	m.EngineReloaded(nil)
	m.EngineReloaded(errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("unsupported_format")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.queueLength))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.capacity))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineReloads.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobSubmitted()
	m.AdmissionRejected("x")
	m.JobFinished("completed", time.Second)
	m.PoolState(1, 1, 1)
	m.SweepResult(1, 1)
	m.EngineReloaded(nil)
	m.JobStarted(time.Second)
}

func TestWriteText(t *testing.T) {
	m := New()
	m.JobSubmitted()

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	assert.Contains(t, buf.String(), "upscaler_jobs_submitted_total 1")
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/jobs/{id}", "404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "upscaler_http_requests_total")
}
