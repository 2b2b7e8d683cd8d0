//go:build !unix

package topology

import (
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd, grace time.Duration, done <-chan struct{}) {
	_ = cmd.Process.Kill()
}
