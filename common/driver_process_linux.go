//go:build linux

package common

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the OS kill the driver if this process dies.
func killAfterParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
