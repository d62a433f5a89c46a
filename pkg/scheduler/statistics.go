package scheduler

// Dispatcher statistics
type Statistics struct {
	// Total number of dispatch attempts
	Dispatched int64

	// Total number of dispatches that were retried
	Retried int64

	// Total number of successful tasks
	Succeeded int64

	// Total number of failed tasks, including input errors
	Failed int64

	// Total number of input records that could not be read
	InputErrors int64

	// Number of dispatches currently in flight
	InFlight int64

	// Highest number of concurrent dispatches observed
	MaxInFlight int64

	// Number of tasks waiting to be retried
	Queued int64
}

// Adds the counters of another run.
func (s *Statistics) Merge(other *Statistics) {
	s.Dispatched += other.Dispatched
	s.Retried += other.Retried
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.InputErrors += other.InputErrors
	s.InFlight += other.InFlight
	s.MaxInFlight = max(s.MaxInFlight, other.MaxInFlight)
	s.Queued += other.Queued
}
