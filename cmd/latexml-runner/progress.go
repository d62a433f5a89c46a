package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Renders conversion progress as a spinner with throughput.
// The number of records is unknown until the input is drained.
type progressObserver struct {
	bar     *progressbar.ProgressBar
	failed  atomic.Int64
	retried atomic.Int64
}

func newProgressObserver(w io.Writer) *progressObserver {
	return &progressObserver{
		bar: progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("converting"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("formulas"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (p *progressObserver) TaskDispatched(protocol.Task, int) {}

func (p *progressObserver) TaskRetried(protocol.Task, int, error) {
	p.retried.Add(1)
	p.describe()
}

func (p *progressObserver) TaskCompleted(result protocol.Result) {
	if result.Status.IsFailure() {
		p.failed.Add(1)
		p.describe()
	}
	p.bar.Add(1)
}

func (p *progressObserver) describe() {
	p.bar.Describe(fmt.Sprintf("converting (%d failed, %d retried)", p.failed.Load(), p.retried.Load()))
}

func (p *progressObserver) Finish() {
	p.bar.Finish()
}
