//go:build windows

package util

import (
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op on Windows.
func SetProcessGroup(cmd *exec.Cmd) {}

// TerminateGroup kills p; Windows has no SIGTERM.
func TerminateGroup(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

// KillGroup kills p.
func KillGroup(p *os.Process) error { return TerminateGroup(p) }
