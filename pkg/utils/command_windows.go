//go:build windows

package utils

import (
	"os"
	"os/exec"
)

var errProcessDone = os.ErrProcessDone

func setProcAttrs(cmd *exec.Cmd) {}

func (c *Command) kill() error {
	return c.cmd.Process.Kill()
}
