package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	RosterSize.Set(3)
	JobsTotal.WithLabelValues("amd64", "success").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tattoo_manager_roster_size 3")
	assert.Contains(t, body, `tattoo_tester_jobs_total{arch="amd64",outcome="success"}`)
}

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDurationVec(JobDuration, "arm64")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `tattoo_tester_job_duration_seconds_count{arch="arm64"} 1`)
}
