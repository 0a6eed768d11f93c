//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// requestStop asks the child's process group to exit.
func requestStop(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// forceStop kills the child's process group.
func forceStop(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case it left the group
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}
