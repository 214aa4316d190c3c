//go:build windows

package engine

import (
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup on Windows has no SIGTERM equivalent; the child
// is killed after the grace window unless it exits first.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
	}
}
