//go:build windows

package procgroup

import (
	"fmt"
	"os/exec"
	"syscall"

	winapi "golang.org/x/sys/windows"
)

// SysProcAttr places the child in a new process group.
func SysProcAttr() *syscall.SysProcAttr {
	// A new process group lets taskkill /T reach the whole tree.
	return &syscall.SysProcAttr{CreationFlags: winapi.CREATE_NEW_PROCESS_GROUP}
}

// Terminate asks the whole process tree to exit.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/PID", fmt.Sprint(pid), "/T").Run()
}

// Kill force-kills the whole process tree.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/PID", fmt.Sprint(pid), "/T", "/F").Run()
}
