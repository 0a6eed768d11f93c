//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE = 0x0001
)

// requestStop has no graceful equivalent for a detached console child on
// Windows, so it terminates immediately.
func requestStop(pid int) error {
	return terminateProcess(pid)
}

func forceStop(pid int) error {
	return terminateProcess(pid)
}

func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	ret, _, _ := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(uint32(pid)))
	if ret == 0 {
		// The process cannot be opened once it has exited.
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}
