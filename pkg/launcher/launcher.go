// Package launcher starts and stops local conversion worker processes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/pool"
	"github.com/dginev/latexml-runner/pkg/utils"
)

var ErrWorkerExited = errors.New("worker process exited")

// Starts a worker process serving an endpoint.
type Launcher interface {
	Launch(ctx context.Context, endpoint pool.Endpoint) error

	// Stops all launched workers.
	Stop() error
}

// Launches workers from a command line template.
// The placeholders {port} and {address} are replaced in every argument,
// e.g. "latexmls --port {port} --autoflush 0 --timeout 120 --expire 4".
type CommandLauncher struct {
	template       []string
	startupTimeout time.Duration
	backoff        *utils.Backoff

	mu       sync.Mutex
	commands []*utils.Command
}

// Creates a launcher. Launch waits up to startupTimeout for a worker to
// accept connections, zero returns as soon as the process is started.
func NewCommandLauncher(template string, startupTimeout time.Duration) (*CommandLauncher, error) {
	args := strings.Fields(template)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty launch command", utils.ErrInvalid)
	}

	return &CommandLauncher{
		template:       args,
		startupTimeout: startupTimeout,
		backoff:        utils.NewBackoff(50*time.Millisecond, time.Second, 0),
	}, nil
}

// Returns the command line for an endpoint.
func (l *CommandLauncher) Expand(endpoint pool.Endpoint) []string {
	replacer := strings.NewReplacer(
		"{port}", strconv.Itoa(endpoint.Port),
		"{address}", endpoint.Address,
	)

	args := make([]string, len(l.template))
	for i, arg := range l.template {
		args[i] = replacer.Replace(arg)
	}
	return args
}

func (l *CommandLauncher) Launch(ctx context.Context, endpoint pool.Endpoint) error {
	cmd := utils.NewCommand(l.Expand(endpoint)...)
	if err := cmd.Start(); err != nil {
		return err
	}

	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()

	log.Info("new - worker - pid:", cmd.Pid(), "endpoint:", endpoint)

	if l.startupTimeout <= 0 {
		return nil
	}

	return l.waitReady(ctx, cmd, endpoint)
}

// Polls the endpoint until it accepts connections.
func (l *CommandLauncher) waitReady(ctx context.Context, cmd *utils.Command, endpoint pool.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, l.startupTimeout)
	defer cancel()

	dialer := net.Dialer{}
	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint.String())
		if err == nil {
			conn.Close()
			log.Debug("upd - worker - ready:", endpoint)
			return nil
		}

		timer := time.NewTimer(l.backoff.Delay(attempt))
		select {
		case <-cmd.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrWorkerExited, endpoint, cmd.Err())
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("worker %s not ready: %w", endpoint, ctx.Err())
		case <-timer.C:
		}
	}
}

// Number of launched processes still running.
func (l *CommandLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, cmd := range l.commands {
		if cmd.Running() {
			count++
		}
	}
	return count
}

func (l *CommandLauncher) Stop() error {
	l.mu.Lock()
	commands := l.commands
	l.commands = nil
	l.mu.Unlock()

	var errs []error
	for _, cmd := range commands {
		log.Debug("del - worker - pid:", cmd.Pid())
		errs = append(errs, cmd.Stop())
	}
	return errors.Join(errs...)
}
