//go:build !windows

package procgroup

import (
	"errors"
	"syscall"
)

// SysProcAttr places the child in a new process group.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Terminate asks the whole process group to exit.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// Kill force-kills the whole process group.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
