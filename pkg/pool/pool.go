// Package pool manages the worker sessions of a run.
//
// Every endpoint is served by one session. Sessions are handed out
// exclusively, idle sessions first in, first out. Broken sessions
// reconnect in the background with exponential backoff and are retired
// after too many consecutive failures, permanently removing their capacity.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/utils"
)

const (
	DefaultRetireAfter       = 5
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultReconnectMaxDelay = 30 * time.Second
)

var (
	// Every session has been retired.
	ErrExhausted = errors.New("all worker sessions retired")

	errSessionFailed = errors.New("session failed")
	errPoolClosed    = errors.New("pool closed")
)

// How a session is handed back after use.
type Outcome int

const (
	// The exchange completed, the session can take another task.
	Idle Outcome = iota
	// The connection broke or timed out and must be re-established.
	Failed
	// The exchange was abandoned by the caller. The connection is
	// re-established without counting a failure.
	Interrupted
)

type Config struct {
	// Preload directives sent with every session initializer.
	Preload []string

	// Consecutive failures after which a session is retired.
	RetireAfter int

	// Backoff between reconnection attempts.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

type Statistics struct {
	Sessions   int
	Connecting int
	Idle       int
	Busy       int
	Failed     int
	Retired    int
	Reconnects int64
	Failures   int64
}

type Pool struct {
	config   Config
	sessions []*Session
	backoff  *utils.Backoff

	mu     sync.Mutex
	idle   []*Session
	live   int
	closed bool

	// Coalescing notification that capacity may be available.
	ready chan struct{}

	// Closed once every session is retired.
	exhausted     chan struct{}
	exhaustedOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnects atomic.Int64
	failures   atomic.Int64
}

// Creates a pool with one session per endpoint.
// Connections are created by the factory but not dialed until Start.
func New(endpoints []Endpoint, factory Factory, config Config) *Pool {
	if config.RetireAfter <= 0 {
		config.RetireAfter = DefaultRetireAfter
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	p := &Pool{
		config:    config,
		backoff:   utils.NewBackoff(config.ReconnectDelay, config.ReconnectMaxDelay, 0.2),
		live:      len(endpoints),
		ready:     make(chan struct{}, 1),
		exhausted: make(chan struct{}),
	}

	for _, endpoint := range endpoints {
		p.sessions = append(p.sessions, newSession(endpoint, factory(endpoint)))
	}

	if len(endpoints) == 0 {
		close(p.exhausted)
	}

	return p
}

// Connects and initializes all sessions in parallel and waits until
// at least one of them is idle. Sessions that cannot be established
// enter the reconnect loop. ErrExhausted is returned if every session
// is retired first.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	var g errgroup.Group
	for _, session := range p.sessions {
		g.Go(func() error {
			p.connect(session)
			return nil
		})
	}
	g.Wait()

	// Sessions that failed to connect keep retrying in the background.
	for {
		stats := p.Statistics()
		if stats.Idle > 0 || stats.Busy > 0 {
			log.Infof("new - pool - sessions: %d, idle: %d", stats.Sessions, stats.Idle)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exhausted:
			return ErrExhausted
		case <-p.ready:
		}
	}
}

// Hands out an idle session, if any. Never blocks.
// Sessions are served in the order they became idle.
func (p *Pool) Acquire() (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		session := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]

		if session.transition(StateBusy) == nil {
			return session, true
		}
	}

	return nil, false
}

// Returns an acquired session to the pool.
func (p *Pool) Release(session *Session, outcome Outcome) {
	switch outcome {
	case Idle:
		session.mu.Lock()
		session.failures = 0
		session.tasks++
		session.mu.Unlock()
		p.makeIdle(session)

	case Failed:
		p.fail(session, errSessionFailed)

	case Interrupted:
		p.interrupt(session)
	}
}

// Signalled whenever a session becomes idle or is retired.
// Multiple events between reads coalesce into one.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Closed when no session is left.
func (p *Pool) Exhausted() <-chan struct{} {
	return p.exhausted
}

// Number of sessions that have not been retired.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) Sessions() []*Session {
	return append([]*Session(nil), p.sessions...)
}

func (p *Pool) Statistics() Statistics {
	stats := Statistics{
		Sessions:   len(p.sessions),
		Reconnects: p.reconnects.Load(),
		Failures:   p.failures.Load(),
	}

	for _, session := range p.sessions {
		switch session.State() {
		case StateConnecting:
			stats.Connecting++
		case StateIdle:
			stats.Idle++
		case StateBusy:
			stats.Busy++
		case StateFailed:
			stats.Failed++
		case StateRetired:
			stats.Retired++
		}
	}

	return stats
}

// Stops reconnection attempts and closes every connection.
// Sessions still busy are retired when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for _, session := range p.sessions {
		session.conn.Close()
	}
	for _, session := range idle {
		p.retire(session, errPoolClosed)
	}

	log.Debug("del - pool")
	return nil
}

// Dials and initializes a session.
func (p *Pool) connect(session *Session) {
	err := session.conn.Dial(p.ctx)
	if err == nil {
		err = session.conn.InitializeSession(p.ctx, p.config.Preload)
	}
	if err != nil {
		p.fail(session, err)
		return
	}

	log.Info("new - session - id:", session)
	p.makeIdle(session)
}

func (p *Pool) makeIdle(session *Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.conn.Close()
		p.retire(session, errPoolClosed)
		return
	}

	if err := session.transition(StateIdle); err != nil {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, session)
	p.mu.Unlock()

	p.notify()
}

// Tears down a broken session and schedules its reconnection,
// or retires it after too many consecutive failures.
func (p *Pool) fail(session *Session, cause error) {
	session.conn.Reset()
	p.failures.Add(1)

	session.mu.Lock()
	session.failures++
	failures := session.failures
	err := session.transitionNoLock(StateFailed)
	session.mu.Unlock()
	if err != nil {
		return
	}

	if failures >= p.config.RetireAfter {
		session.conn.Close()
		p.retire(session, cause)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(session, errPoolClosed)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	log.Warnf("err - session - id: %s, failures: %d, %v", session, failures, cause)
	if details := utils.ErrorDetails(cause); details != "" {
		log.Debugf("err - session - id: %s, worker log:\n%s", session, details)
	}

	go func() {
		defer p.wg.Done()
		p.reconnect(session, failures)
	}()
}

// Re-establishes the connection of an abandoned exchange at once.
func (p *Pool) interrupt(session *Session) {
	session.conn.Reset()

	if err := session.transition(StateConnecting); err != nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.conn.Close()
		p.retire(session, errPoolClosed)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	log.Debug("upd - session - id:", session, "interrupted, reconnecting")

	go func() {
		defer p.wg.Done()
		p.connect(session)
	}()
}

func (p *Pool) reconnect(session *Session, failures int) {
	delay := p.backoff.Delay(failures - 1)
	log.Debugf("upd - session - id: %s, reconnecting in %s", session, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
		p.retire(session, p.ctx.Err())
		return
	case <-timer.C:
	}

	if err := session.transition(StateConnecting); err != nil {
		return
	}

	p.reconnects.Add(1)
	p.connect(session)
}

// Permanently removes a session's capacity.
func (p *Pool) retire(session *Session, cause error) {
	if err := session.transition(StateRetired); err != nil {
		return
	}

	p.mu.Lock()
	p.live--
	live := p.live
	p.mu.Unlock()

	if errors.Is(cause, errPoolClosed) || errors.Is(cause, context.Canceled) {
		log.Debug("del - session - id:", session)
	} else {
		log.Warnf("del - session - id: %s, retired: %v, live: %d", session, cause, live)
	}

	p.notify()

	if live == 0 {
		p.exhaustedOnce.Do(func() {
			close(p.exhausted)
		})
	}
}

func (p *Pool) notify() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}
