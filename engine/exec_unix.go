//go:build unix

package engine

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// setProcessGroup puts the child in its own process group so that
// signals reach the whole tree, not just the immediate child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the child's process group and
// escalates to SIGKILL after the grace window unless the process exits
// first (signalled by done closing).
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	sendSignal(pgid, "SIGTERM", syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(grace):
		logrus.WithField("pgid", pgid).
			Warnln("engine: process group survived SIGTERM grace window, escalating to SIGKILL")
		sendSignal(pgid, "SIGKILL", syscall.SIGKILL)
	}
}

func sendSignal(pgid int, name string, sig syscall.Signal) {
	logrus.WithField("pgid", pgid).Debugf("engine: sending %s to process group", name)
	if err := syscall.Kill(-pgid, sig); err != nil { // negative PID = process group
		logrus.WithError(err).WithField("pgid", pgid).
			Debugf("engine: failed to send %s to process group", name)
	}
}
