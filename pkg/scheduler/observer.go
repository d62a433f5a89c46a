package scheduler

import "github.com/dginev/latexml-runner/pkg/protocol"

// Receives task telemetry from the dispatcher.
// Calls are made from the dispatch loop and must not block.
type Observer interface {
	// A task was sent to a worker. Attempts start at 1.
	TaskDispatched(task protocol.Task, attempt int)

	// A dispatch failed and the task was queued again.
	TaskRetried(task protocol.Task, attempt int, err error)

	// A task reached its terminal outcome.
	TaskCompleted(result protocol.Result)
}
