package syscall

import (
	"errors"

	"taskos/pkg/config"
	"taskos/pkg/mm"
	"taskos/pkg/task"
	"taskos/pkg/timer"
)

// TimeVal is the user-visible time structure.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// TaskInfo is the user-visible task statistics structure.
type TaskInfo struct {
	Status       uint32
	SyscallTimes [config.MaxSyscallNum]uint32
	// Time is milliseconds since the task was first dispatched.
	Time uint64
}

// SysExit terminates the calling task. It does not return to the caller.
func (d *Dispatcher) SysExit(code int32) int64 {
	d.log.Info("exit", "pid", d.k.CurrentProcess().Pid(), "code", code)
	d.k.ExitCurrentAndRunNext(code)
	return 0
}

// SysYield gives up the hart.
func (d *Dispatcher) SysYield() int64 {
	d.k.SuspendCurrentAndRunNext()
	return 0
}

// SysGetPid returns the caller's pid.
func (d *Dispatcher) SysGetPid() int64 {
	return int64(d.k.CurrentProcess().Pid())
}

// SysFork returns the child's pid to the parent. The child sees 0.
func (d *Dispatcher) SysFork() int64 {
	child, err := d.k.Fork()
	if err != nil {
		d.log.Warn("fork failed", "error", err)
		return -1
	}
	return int64(child.Pid())
}

// program reads a path from user memory and looks the image up.
func (d *Dispatcher) program(pathPtr uint64) ([]byte, bool) {
	path, err := mm.TranslatedStr(d.k.Mem(), d.k.CurrentUserToken(), pathPtr)
	if err != nil {
		return nil, false
	}
	data, ok := d.k.Loader().AppByName(path)
	if !ok {
		d.log.Warn("program not found", "path", path)
	}
	return data, ok
}

// SysExec replaces the caller's image with the named program.
func (d *Dispatcher) SysExec(pathPtr uint64) int64 {
	data, ok := d.program(pathPtr)
	if !ok {
		return -1
	}
	if err := d.k.Exec(data); err != nil {
		d.log.Warn("exec failed", "error", err)
		return -1
	}
	return 0
}

// SysSpawn starts the named program as a new child and returns its pid.
func (d *Dispatcher) SysSpawn(pathPtr uint64) int64 {
	data, ok := d.program(pathPtr)
	if !ok {
		return -1
	}
	child, err := d.k.Spawn(data)
	if err != nil {
		d.log.Warn("spawn failed", "error", err)
		return -1
	}
	return int64(child.Pid())
}

// SysWaitPid reaps an exited child. It returns -1 if no child matches pid
// (or the exit code pointer is bad) and -2 if matching children are still
// running. A zero pointer skips writing the exit code.
func (d *Dispatcher) SysWaitPid(pid int64, exitCodePtr uint64) int64 {
	token := d.k.CurrentUserToken()
	got, err := d.k.WaitPid(int(pid), func(code int32) error {
		if exitCodePtr == 0 {
			return nil
		}
		dst, err := mm.TranslatedRefMut[int32](d.k.Mem(), token, exitCodePtr)
		if err != nil {
			return err
		}
		*dst = code
		return nil
	})
	switch {
	case err == nil:
		return int64(got)
	case errors.Is(err, task.ErrChildRunning):
		return -2
	default:
		return -1
	}
}

// SysGetTime writes the current time to ts.
func (d *Dispatcher) SysGetTime(tsPtr uint64, _ uint64) int64 {
	ts, err := mm.TranslatedRefMut[TimeVal](d.k.Mem(), d.k.CurrentUserToken(), tsPtr)
	if err != nil {
		return -1
	}
	us := d.k.Clock().NowMicros()
	*ts = TimeVal{Sec: us / 1_000_000, Usec: us % 1_000_000}
	return 0
}

// SysTaskInfo writes the caller's status, syscall counters and running
// time to ti.
func (d *Dispatcher) SysTaskInfo(tiPtr uint64) int64 {
	ti, err := mm.TranslatedRefMut[TaskInfo](d.k.Mem(), d.k.CurrentUserToken(), tiPtr)
	if err != nil {
		return -1
	}
	cur := d.k.CurrentTask()
	start, _ := cur.StartTime()
	*ti = TaskInfo{
		Status:       uint32(cur.Status()),
		SyscallTimes: cur.SyscallTimes(),
		Time:         timer.Millis(d.k.Clock()) - start,
	}
	return 0
}

// SysSetPriority sets the caller's priority. Priorities below 2 are
// rejected.
func (d *Dispatcher) SysSetPriority(prio int64) int64 {
	if prio < 2 {
		return -1
	}
	d.k.CurrentTask().SetPriority(prio)
	return prio
}

// SysThreadCreate starts a thread at entry with arg and returns its tid.
func (d *Dispatcher) SysThreadCreate(entry, arg uint64) int64 {
	tid, err := d.k.ThreadCreate(entry, arg)
	if err != nil {
		d.log.Warn("thread create failed", "error", err)
		return -1
	}
	return int64(tid)
}

// SysGetTid returns the caller's tid.
func (d *Dispatcher) SysGetTid() int64 {
	return int64(d.k.CurrentTask().Tid())
}

// SysWaitTid returns the exit code of an exited thread, -1 if there is no
// such thread and -2 if it is still running.
func (d *Dispatcher) SysWaitTid(tid int) int64 {
	code, err := d.k.WaitTid(tid)
	switch {
	case err == nil:
		return int64(code)
	case errors.Is(err, task.ErrTaskRunning):
		return -2
	default:
		return -1
	}
}
