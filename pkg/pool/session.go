package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Connection to a single worker, as provided by the client package.
type Conn interface {
	Dial(ctx context.Context) error
	InitializeSession(ctx context.Context, preload []string) error
	Submit(ctx context.Context, task protocol.Task, timeout time.Duration) (protocol.Result, error)
	// Drops the connection so that the next Dial starts afresh.
	Reset() error
	// Shuts the connection down permanently.
	Close() error
}

// Creates the connection for an endpoint.
type Factory func(endpoint Endpoint) Conn

type State int

const (
	StateConnecting State = iota
	StateIdle
	StateBusy
	StateFailed
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Legal session state transitions.
var transitions = map[State][]State{
	StateConnecting: {StateIdle, StateFailed, StateRetired},
	StateIdle:       {StateBusy, StateRetired},
	StateBusy:       {StateIdle, StateConnecting, StateFailed, StateRetired},
	StateFailed:     {StateConnecting, StateRetired},
	StateRetired:    {},
}

// A worker session: one connection to one endpoint,
// carrying at most one task at a time.
type Session struct {
	id       string
	endpoint Endpoint
	conn     Conn

	mu       sync.Mutex
	state    State
	failures int
	tasks    int
}

func newSession(endpoint Endpoint, conn Conn) *Session {
	return &Session{
		id:       uuid.NewString(),
		endpoint: endpoint,
		conn:     conn,
		state:    StateConnecting,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Number of consecutive failures since the last successful exchange.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Submits a task over the session's connection.
// The session must have been acquired from the pool.
func (s *Session) Submit(ctx context.Context, task protocol.Task, timeout time.Duration) (protocol.Result, error) {
	return s.conn.Submit(ctx, task, timeout)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.id, s.endpoint)
}

// Moves the session to a new state. Illegal transitions are rejected.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionNoLock(to)
}

func (s *Session) transitionNoLock(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			log.Tracef("upd - session - id: %s, state: %s -> %s", s.id, s.state, to)
			s.state = to
			return nil
		}
	}

	err := fmt.Errorf("illegal session transition %s -> %s", s.state, to)
	log.Errorf("err - session - id: %s, %v", s.id, err)
	return err
}
