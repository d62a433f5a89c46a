package scheduler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dginev/latexml-runner/pkg/pool"
)

type StatisticsProvider interface {
	Statistics() *Statistics
}

type PoolStatisticsProvider interface {
	Statistics() pool.Statistics
}

func NewHttpHandler(dispatcher StatisticsProvider, sessions PoolStatisticsProvider, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		stats := dispatcher.Statistics()

		metrics := fmt.Sprintln("# TYPE latexml_runner_tasks_dispatched_total counter")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_dispatched_total The total number of dispatch attempts.")
		metrics += fmt.Sprintf("latexml_runner_tasks_dispatched_total %d\n", stats.Dispatched)

		metrics += fmt.Sprintln("# TYPE latexml_runner_tasks_retried_total counter")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_retried_total The total number of retried dispatches.")
		metrics += fmt.Sprintf("latexml_runner_tasks_retried_total %d\n", stats.Retried)

		metrics += fmt.Sprintln("# TYPE latexml_runner_tasks_passed_total counter")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_passed_total The total number of successful tasks.")
		metrics += fmt.Sprintf("latexml_runner_tasks_passed_total %d\n", stats.Succeeded)

		metrics += fmt.Sprintln("# TYPE latexml_runner_tasks_failed_total counter")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_failed_total The total number of failed tasks.")
		metrics += fmt.Sprintf("latexml_runner_tasks_failed_total %d\n", stats.Failed)

		metrics += fmt.Sprintln("# TYPE latexml_runner_tasks_running gauge")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_running The number of tasks currently dispatched.")
		metrics += fmt.Sprintf("latexml_runner_tasks_running %d\n", stats.InFlight)

		metrics += fmt.Sprintln("# TYPE latexml_runner_tasks_queued gauge")
		metrics += fmt.Sprintln("# HELP latexml_runner_tasks_queued The number of tasks waiting to be retried.")
		metrics += fmt.Sprintf("latexml_runner_tasks_queued %d\n", stats.Queued)

		if sessions != nil {
			poolStats := sessions.Statistics()

			metrics += fmt.Sprintln("# TYPE latexml_runner_sessions gauge")
			metrics += fmt.Sprintln("# HELP latexml_runner_sessions The number of worker sessions by state.")
			for _, state := range []struct {
				name  string
				count int
			}{
				{"connecting", poolStats.Connecting},
				{"idle", poolStats.Idle},
				{"busy", poolStats.Busy},
				{"failed", poolStats.Failed},
				{"retired", poolStats.Retired},
			} {
				metrics += fmt.Sprintf("latexml_runner_sessions{state=%q} %d\n", state.name, state.count)
			}

			metrics += fmt.Sprintln("# TYPE latexml_runner_session_reconnects_total counter")
			metrics += fmt.Sprintln("# HELP latexml_runner_session_reconnects_total The total number of session reconnection attempts.")
			metrics += fmt.Sprintf("latexml_runner_session_reconnects_total %d\n", poolStats.Reconnects)
		}

		return c.String(http.StatusOK, metrics)
	})
}
