//go:build windows

package wetlands

import (
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/windows"
)

// newGroupSysProcAttr configures cmd to start in its own console process
// group, the Windows analogue of the POSIX process-group grouping.
func newGroupSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

var (
	jobsMu sync.Mutex
	jobs   = map[int]windows.Handle{}
)

// assignToJobObject creates a fresh job object for pid and assigns the
// process to it, so the whole descendant tree can be torn down in one
// TerminateJobObject call. Registered by the Command Executor right after
// Cmd.Start().
func assignToJobObject(pid int) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return err
	}
	handle, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(pid))
	if err != nil {
		windows.CloseHandle(job)
		return err
	}
	defer windows.CloseHandle(handle)
	if err := windows.AssignProcessToJobObject(job, handle); err != nil {
		windows.CloseHandle(job)
		return err
	}
	jobsMu.Lock()
	jobs[pid] = job
	jobsMu.Unlock()
	return nil
}

// killProcess terminates the job object associated with cmd's process (and
// therefore every descendant assigned to it), falling back to a plain
// Process.Kill if no job object was registered.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	jobsMu.Lock()
	job, ok := jobs[pid]
	if ok {
		delete(jobs, pid)
	}
	jobsMu.Unlock()
	if ok {
		_ = windows.TerminateJobObject(job, 1)
		windows.CloseHandle(job)
		return
	}
	_ = cmd.Process.Kill()
}
