//go:build !windows

package util

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetProcessGroup makes cmd the leader of a new process group so that
// a signal reaches the child and everything it spawned.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// TerminateGroup sends SIGTERM to the process group led by p.
func TerminateGroup(p *os.Process) error { return signalGroup(p, unix.SIGTERM) }

// KillGroup sends SIGKILL to the process group led by p.
func KillGroup(p *os.Process) error { return signalGroup(p, unix.SIGKILL) }

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		// Not a group leader (SetProcessGroup was not applied).
		return p.Signal(sig)
	}
	return nil
}
