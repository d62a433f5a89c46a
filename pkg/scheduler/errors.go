package scheduler

import (
	"errors"

	"github.com/dginev/latexml-runner/pkg/client"
	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Maps a dispatch error to the runner status recorded for the task.
func statusOf(err error) protocol.Status {
	switch {
	case errors.Is(err, client.ErrTimeout):
		return protocol.StatusTimeout
	case errors.Is(err, client.ErrSessionInit):
		return protocol.StatusSessionInit
	default:
		return protocol.StatusConnection
	}
}
