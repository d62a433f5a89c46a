//go:build !windows

package utils

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var errProcessDone = unix.ESRCH

func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}

func (c *Command) kill() error {
	return unix.Kill(-c.Pid(), unix.SIGKILL)
}
