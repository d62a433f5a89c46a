// Package collector restores input order for results that complete
// out of order and writes them to the content and status sinks.
package collector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/protocol"
)

var (
	// The index has already been submitted.
	ErrDuplicate = errors.New("duplicate result")

	// Results remained buffered behind a missing index at close.
	ErrGap = errors.New("missing results")

	ErrClosed = errors.New("collector closed")
)

// Buffers results until every lower index has been written.
//
// The cursor and buffer are guarded by mu, which is never held across
// sink I/O. Every drained batch takes a ticket under mu and batches are
// written under writeMu strictly in ticket order.
type Collector struct {
	content   Sink
	status    Sink
	autoflush int

	mu      sync.Mutex
	next    uint64
	buffer  map[uint64]protocol.Result
	closed  bool
	written int
	failed  int
	tickets uint64

	writeMu    sync.Mutex
	turns      *sync.Cond
	turn       uint64
	sinceFlush int
	err        error
}

// Creates a collector writing to the content and status sinks.
// Both sinks are flushed after every autoflush written results,
// zero flushes only on Flush and Close.
func New(content, status Sink, autoflush int) *Collector {
	c := &Collector{
		content:   content,
		status:    status,
		autoflush: autoflush,
		buffer:    map[uint64]protocol.Result{},
	}
	c.turns = sync.NewCond(&c.writeMu)
	return c
}

// Accepts the terminal result of a task.
// The result is written immediately if it is next in order, together
// with any buffered successors, and held back otherwise.
func (c *Collector) Submit(result protocol.Result) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if _, ok := c.buffer[result.Index]; ok || result.Index < c.next {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicate, result.Index)
	}

	if result.Index != c.next {
		c.buffer[result.Index] = result
		c.mu.Unlock()
		return nil
	}

	batch := []protocol.Result{result}
	c.next++
	for {
		successor, ok := c.buffer[c.next]
		if !ok {
			break
		}
		delete(c.buffer, c.next)
		batch = append(batch, successor)
		c.next++
	}

	c.written += len(batch)
	for _, r := range batch {
		if r.Status.IsFailure() {
			c.failed++
		}
	}

	ticket := c.tickets
	c.tickets++
	c.mu.Unlock()

	return c.writeInTurn(ticket, batch)
}

// Writes a batch once every batch with a lower ticket has been written.
func (c *Collector) writeInTurn(ticket uint64, batch []protocol.Result) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for c.turn != ticket {
		c.turns.Wait()
	}
	defer func() {
		c.turn++
		c.turns.Broadcast()
	}()

	return c.write(batch)
}

// Index of the next result to be written.
func (c *Collector) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Number of results held back waiting for a lower index.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Number of results written to the sinks.
func (c *Collector) Written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Number of written results with a failure status.
func (c *Collector) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Forces both sinks to durable storage.
func (c *Collector) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.flush()
}

// Flushes and closes both sinks.
// Returns ErrGap if results are still waiting for a missing index.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := len(c.buffer)
	next := c.next
	tickets := c.tickets
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for c.turn < tickets {
		c.turns.Wait()
	}

	errs := []error{c.err, c.content.Close(), c.status.Close()}
	if pending > 0 {
		log.Warnf("err - collector - %d results buffered behind index %d", pending, next)
		errs = append(errs, fmt.Errorf("%w: %d results buffered behind index %d", ErrGap, pending, next))
	}
	return errors.Join(errs...)
}

func (c *Collector) write(batch []protocol.Result) error {
	if c.err != nil {
		return c.err
	}

	for _, result := range batch {
		if err := c.content.WriteResult(result); err != nil {
			c.err = fmt.Errorf("writing content %d: %w", result.Index, err)
			return c.err
		}
		if err := c.status.WriteResult(result); err != nil {
			c.err = fmt.Errorf("writing status %d: %w", result.Index, err)
			return c.err
		}

		c.sinceFlush++
		if c.autoflush > 0 && c.sinceFlush >= c.autoflush {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Collector) flush() error {
	if c.err != nil {
		return c.err
	}

	if err := c.content.Flush(); err != nil {
		c.err = fmt.Errorf("flushing content: %w", err)
		return c.err
	}
	if err := c.status.Flush(); err != nil {
		c.err = fmt.Errorf("flushing status: %w", err)
		return c.err
	}

	log.Trace("upd - collector - flushed:", c.sinceFlush)
	c.sinceFlush = 0
	return nil
}
