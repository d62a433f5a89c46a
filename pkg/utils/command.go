package utils

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/dginev/latexml-runner/pkg/log"
)

// A long-lived child process.
// The process is started in its own process group where the platform
// supports it, so that Kill also reaches any processes it forks.
type Command struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func NewCommand(args ...string) *Command {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = log.NewLogWriter(log.DebugLevel)
	cmd.Stderr = log.NewLogWriter(log.DebugLevel)
	setProcAttrs(cmd)
	return &Command{cmd: cmd, done: make(chan struct{})}
}

// Start the process. The process is reaped in the background,
// Done is closed once it has exited.
func (c *Command) Start() error {
	log.Debug("Running", strings.Join(c.cmd.Args, " "))

	if err := c.cmd.Start(); err != nil {
		return err
	}

	go func() {
		err := c.cmd.Wait()
		if err != nil {
			err = fmt.Errorf("Command failed: %s (%w)", strings.Join(c.cmd.Args, " "), err)
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	return nil
}

// Channel closed when the process has exited.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Exit error of the process, nil while it is running or after a clean exit.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Returns true if the process has been started and not yet exited.
func (c *Command) Running() bool {
	if c.cmd.Process == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Kill the process group and wait for the process to be reaped.
func (c *Command) Stop() error {
	if !c.Running() {
		return nil
	}
	if err := c.kill(); err != nil && !errors.Is(err, errProcessDone) {
		return err
	}
	<-c.done
	return nil
}

func (c *Command) SetStderr(w io.Writer) {
	c.cmd.Stderr = w
}

func (c *Command) SetDir(dir string) {
	c.cmd.Dir = dir
}

func (c *Command) Args() []string {
	return c.cmd.Args
}

func (c *Command) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
