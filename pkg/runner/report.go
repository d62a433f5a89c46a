package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/dginev/latexml-runner/pkg/scheduler"
)

// At least one task ended with a failed outcome.
// Results were still written for every task.
var ErrTasksFailed = errors.New("some tasks failed")

// Summary of one or more converted files.
type Report struct {
	Files       int
	Tasks       int64
	Succeeded   int64
	Failed      int64
	InputErrors int64
	Retried     int64
	Elapsed     time.Duration
}

func newReport(stats *scheduler.Statistics, elapsed time.Duration) *Report {
	return &Report{
		Files:       1,
		Tasks:       stats.Succeeded + stats.Failed,
		Succeeded:   stats.Succeeded,
		Failed:      stats.Failed,
		InputErrors: stats.InputErrors,
		Retried:     stats.Retried,
		Elapsed:     elapsed,
	}
}

func (r *Report) Merge(other *Report) {
	r.Files += other.Files
	r.Tasks += other.Tasks
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.InputErrors += other.InputErrors
	r.Retried += other.Retried
	r.Elapsed += other.Elapsed
}

// Returns ErrTasksFailed if any task failed.
func (r *Report) Err() error {
	if r.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, r.Failed, r.Tasks)
	}
	return nil
}

// Conversions per second.
func (r *Report) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Tasks) / r.Elapsed.Seconds()
}
