package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/pool"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/utils"
)

const DefaultMaxAttempts = 3

var (
	// A task failed with a retryable error on every allowed attempt.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// Every worker session was retired while tasks remained.
	ErrNoCapacity = errors.New("no worker capacity left")
)

// Produces tasks in index order. Returns io.EOF when drained.
type Source interface {
	Next() (protocol.Task, error)
}

// Receives the terminal result of every task exactly once.
type ResultSink interface {
	Submit(result protocol.Result) error
}

// Pool of worker sessions.
type SessionPool interface {
	Acquire() (*pool.Session, bool)
	Release(session *pool.Session, outcome pool.Outcome)
	Ready() <-chan struct{}
	Exhausted() <-chan struct{}
}

type Config struct {
	// Dispatch attempts per task, including the first one.
	MaxAttempts int

	// Per attempt deadline. Zero disables the deadline.
	Timeout time.Duration

	// Maximum dispatches per second. Zero disables rate limiting.
	RateLimit float64
	Burst     int
}

// A task together with the number of times it has been dispatched.
type attempt struct {
	task  protocol.Task
	count int
}

type completion struct {
	session *pool.Session
	attempt *attempt
	result  protocol.Result
	err     error
}

// Retried tasks are served in index order.
func attemptPriorityFunc(a, b *attempt) int {
	switch {
	case a.task.Index < b.task.Index:
		return -1
	case a.task.Index > b.task.Index:
		return 1
	default:
		return 0
	}
}

// Moves tasks from a source to worker sessions and their results to a sink.
//
// A single loop owns all scheduling state. Each dispatch runs in its own
// goroutine and reports back over a channel, so a slow worker only ever
// blocks the task it is working on.
type Dispatcher struct {
	pool    SessionPool
	source  Source
	sink    ResultSink
	config  Config
	limiter *rate.Limiter

	// Tasks waiting to be dispatched again.
	retries *utils.PriorityQueue[*attempt]

	// Next fresh task, read from the source but not yet dispatched.
	pending    *attempt
	sourceDone bool

	completions chan completion
	inFlight    int

	observers []Observer

	mu    sync.RWMutex
	stats Statistics
}

func NewDispatcher(sessions SessionPool, source Source, sink ResultSink, config Config) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}

	d := &Dispatcher{
		pool:        sessions,
		source:      source,
		sink:        sink,
		config:      config,
		retries:     utils.NewPriorityQueue[*attempt](attemptPriorityFunc),
		completions: make(chan completion),
	}

	if config.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.Burst, 1))
	}

	return d
}

// Registers a receiver of task telemetry. Must be called before Run.
func (d *Dispatcher) AddObserver(observer Observer) {
	d.observers = append(d.observers, observer)
}

// Dispatches every task of the source and waits for all results.
//
// Returns nil once the source is drained and every task has reached a
// terminal outcome. Returns ErrNoCapacity if all sessions are retired
// while work remains, and the context error on cancellation. In both
// cases dispatches already in flight are awaited first.
func (d *Dispatcher) Run(ctx context.Context) (*Statistics, error) {
	start := time.Now()
	done := ctx.Done()
	exhausted := d.pool.Exhausted()

	var err error

	log.Debug("starting")
	for {
		if err == nil && ctx.Err() == nil && exhausted != nil {
			err = d.fill(ctx)
		}

		if d.inFlight == 0 {
			if err == nil && ctx.Err() == nil && exhausted == nil {
				// Input may be drained without having seen the end yet.
				var next *attempt
				if next, err = d.candidate(); err == nil && next != nil {
					log.Error("no worker sessions left")
					return d.Statistics(), ErrNoCapacity
				}
			}

			switch {
			case err != nil:
				return d.Statistics(), err
			case ctx.Err() != nil:
				return d.Statistics(), ctx.Err()
			case d.drained():
				stats := d.Statistics()
				log.Debugf("done - tasks: %d, elapsed: %s", stats.Succeeded+stats.Failed, time.Since(start))
				return stats, nil
			}
		}

		select {
		case <-done:
			log.Debug("cancelled, waiting for", d.inFlight, "dispatches")
			done = nil

		case c := <-d.completions:
			if cerr := d.complete(ctx, c); cerr != nil && err == nil {
				err = cerr
			}

		case <-d.pool.Ready():

		case <-exhausted:
			exhausted = nil
		}
	}
}

// Returns a copy of the current statistics.
func (d *Dispatcher) Statistics() *Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := d.stats
	return &stats
}

// True when no task is left to dispatch.
func (d *Dispatcher) drained() bool {
	return d.sourceDone && d.pending == nil && d.retries.Len() == 0
}

// Pairs waiting tasks with idle sessions until either runs out.
func (d *Dispatcher) fill(ctx context.Context) error {
	for {
		next, err := d.candidate()
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		session, ok := d.pool.Acquire()
		if !ok {
			return nil
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.pool.Release(session, pool.Idle)
				return nil
			}
		}

		if next == d.pending {
			d.pending = nil
		} else {
			d.retries.Pop()
		}

		d.dispatch(ctx, session, next)
	}
}

// Returns the next task to dispatch without removing it.
// Retried tasks take precedence over fresh ones.
func (d *Dispatcher) candidate() (*attempt, error) {
	if next, ok := d.retries.Peek(); ok {
		return next, nil
	}

	for d.pending == nil && !d.sourceDone {
		task, err := d.source.Next()
		if errors.Is(err, io.EOF) {
			d.sourceDone = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tasks: %w", err)
		}

		if task.Err != nil {
			log.Debugf("err - task - index: %d, %v", task.Index, task.Err)
			if err := d.finish(protocol.Failed(task.Index, protocol.StatusInputError, task.Err.Error())); err != nil {
				return nil, err
			}
			continue
		}

		d.pending = &attempt{task: task}
	}

	return d.pending, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, session *pool.Session, next *attempt) {
	next.count++
	d.inFlight++

	d.mu.Lock()
	d.stats.Dispatched++
	d.stats.InFlight = int64(d.inFlight)
	d.stats.MaxInFlight = max(d.stats.MaxInFlight, d.stats.InFlight)
	d.stats.Queued = int64(d.retries.Len())
	d.mu.Unlock()

	log.Tracef("exe - task - index: %d, attempt: %d, session: %s", next.task.Index, next.count, session)

	for _, observer := range d.observers {
		observer.TaskDispatched(next.task, next.count)
	}

	go func() {
		result, err := session.Submit(ctx, next.task, d.config.Timeout)
		d.completions <- completion{session: session, attempt: next, result: result, err: err}
	}()
}

// Handles the outcome of a dispatch.
func (d *Dispatcher) complete(ctx context.Context, c completion) error {
	d.inFlight--

	d.mu.Lock()
	d.stats.InFlight = int64(d.inFlight)
	d.mu.Unlock()

	task := c.attempt.task

	switch {
	case c.err == nil:
		// Worker reported outcomes are terminal, whatever their status.
		d.pool.Release(c.session, pool.Idle)
		c.result.Index = task.Index
		c.result.Attempts = c.attempt.count
		return d.finish(c.result)

	case ctx.Err() != nil:
		// Abandoned, the result is never written.
		d.pool.Release(c.session, pool.Interrupted)
		log.Debugf("int - task - index: %d, %v", task.Index, c.err)
		return nil
	}

	d.pool.Release(c.session, pool.Failed)

	if c.attempt.count < d.config.MaxAttempts {
		log.Debugf("upd - task - index: %d, attempt: %d, retrying: %v", task.Index, c.attempt.count, c.err)

		d.retries.Push(c.attempt)

		d.mu.Lock()
		d.stats.Retried++
		d.stats.Queued = int64(d.retries.Len())
		d.mu.Unlock()

		for _, observer := range d.observers {
			observer.TaskRetried(task, c.attempt.count, c.err)
		}
		return nil
	}

	result := c.result
	if result.Status == protocol.StatusOK {
		result.Status = statusOf(c.err)
	}
	result.Index = task.Index
	result.Attempts = c.attempt.count
	result.Message = fmt.Sprintf("%v after %d attempts: %v", ErrRetryBudgetExhausted, c.attempt.count, c.err)

	log.Warnf("err - task - index: %d, payload: %s, %s", task.Index, utils.ShortDigest(task.Payload), result.Message)
	return d.finish(result)
}

// Hands a terminal result to the sink.
func (d *Dispatcher) finish(result protocol.Result) error {
	if err := d.sink.Submit(result); err != nil {
		return fmt.Errorf("writing result %d: %w", result.Index, err)
	}

	d.mu.Lock()
	switch {
	case result.IsConverted():
		d.stats.Succeeded++
	case result.Status == protocol.StatusInputError:
		d.stats.InputErrors++
		d.stats.Failed++
	default:
		d.stats.Failed++
	}
	d.mu.Unlock()

	for _, observer := range d.observers {
		observer.TaskCompleted(result)
	}
	return nil
}
