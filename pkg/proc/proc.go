// Package proc provides process liveness checks and group signalling for the
// detached supervisor and its agent subprocesses.
package proc

import (
	"errors"
	"syscall"
)

// Alive reports whether a process with the given PID exists.
// EPERM means the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM to the process, requesting graceful shutdown.
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// KillGroup sends SIGKILL to the entire process group of pid, falling back to
// the single process when the group cannot be signalled. Agent subprocesses
// run in their own session, so the group kill takes down any children they
// spawned as well.
func KillGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// TerminateGroup sends SIGTERM to the entire process group of pid, falling
// back to the single process.
func TerminateGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
