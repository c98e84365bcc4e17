//go:build !windows

package wetlands

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// newGroupSysProcAttr configures cmd to start in its own process group, so
// the whole tree (the shell wrapper and anything it forks) can be signalled
// together on shutdown.
func newGroupSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group rooted at pid, waits
// briefly, then SIGKILLs anything still alive. Mirrors the reference
// implementation's psutil-based "signal every child, then the parent" walk,
// collapsed into a single process-group signal since Setpgid already groups
// the worker's descendants together.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	time.Sleep(2 * time.Second)
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	killProcessGroup(cmd.Process.Pid)
}

// assignToJobObject is a no-op on non-Windows platforms; it exists only so
// commandexecutor.go's runtime.GOOS=="windows" guarded call links here.
func assignToJobObject(pid int) error {
	return nil
}
