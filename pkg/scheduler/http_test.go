package scheduler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/dginev/latexml-runner/pkg/pool"
)

type fixedStatistics struct {
	stats Statistics
}

func (f *fixedStatistics) Statistics() *Statistics {
	return &f.stats
}

type fixedPoolStatistics pool.Statistics

func (f fixedPoolStatistics) Statistics() pool.Statistics {
	return pool.Statistics(f)
}

func TestMetrics(t *testing.T) {
	r := echo.New()
	NewHttpHandler(
		&fixedStatistics{stats: Statistics{Dispatched: 12, Succeeded: 9, Failed: 2, InFlight: 1}},
		fixedPoolStatistics{Sessions: 4, Idle: 2, Busy: 1, Retired: 1, Reconnects: 3},
		r)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "latexml_runner_tasks_dispatched_total 12\n")
	assert.Contains(t, body, "latexml_runner_tasks_passed_total 9\n")
	assert.Contains(t, body, "latexml_runner_tasks_failed_total 2\n")
	assert.Contains(t, body, "latexml_runner_tasks_running 1\n")
	assert.Contains(t, body, `latexml_runner_sessions{state="idle"} 2`)
	assert.Contains(t, body, `latexml_runner_sessions{state="retired"} 1`)
	assert.Contains(t, body, "latexml_runner_session_reconnects_total 3\n")
}
