package protocol

import "fmt"

// A unit of work read from the input.
// The index is assigned once by the source and never changes,
// the payload is resent verbatim on every attempt.
type Task struct {
	Index   uint64
	Payload string

	// Set when the source could not read this record.
	// Such tasks are never dispatched.
	Err error
}

// Conversion status codes.
// Codes 0-3 are reported by workers, following the LaTeXML convention.
// The remaining codes are assigned by the runner itself.
type Status uint8

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusFatal
	StatusTimeout
	StatusConnection
	StatusInputError
	StatusSessionInit
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusFatal:
		return "fatal"
	case StatusTimeout:
		return "timeout"
	case StatusConnection:
		return "connection"
	case StatusInputError:
		return "input"
	case StatusSessionInit:
		return "session"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Every non-zero status is a failed outcome.
func (s Status) IsFailure() bool {
	return s != StatusOK
}

// Returns true for codes assigned by the runner rather than a worker.
func (s Status) IsRunnerStatus() bool {
	return s >= StatusTimeout
}

// The terminal outcome of a task.
type Result struct {
	Index  uint64
	Status Status

	// Converted content. May be non-empty for worker reported
	// failures, in which case it holds the partial output.
	Content string

	// Failure reason, empty on success.
	Message string

	// Worker conversion log, if the protocol carries one.
	Log string

	// Number of dispatch attempts that led to this result.
	Attempts int
}

func Converted(index uint64, content string) Result {
	return Result{Index: index, Status: StatusOK, Content: content}
}

func Failed(index uint64, status Status, message string) Result {
	return Result{Index: index, Status: status, Message: message}
}

func (r Result) IsConverted() bool {
	return !r.Status.IsFailure()
}

func (r Result) String() string {
	if r.IsConverted() {
		return fmt.Sprintf("#%d converted", r.Index)
	}
	return fmt.Sprintf("#%d failed (%d %s): %s", r.Index, r.Status, r.Status, r.Message)
}
