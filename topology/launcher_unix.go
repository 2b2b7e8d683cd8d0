//go:build unix

package topology

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup terminates the worker and everything it started, escalating to
// SIGKILL when the group outlives grace.
func killGroup(cmd *exec.Cmd, grace time.Duration, done <-chan struct{}) {
	pid := cmd.Process.Pid
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
}
