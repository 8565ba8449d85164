// Package syscall is the kernel's system call layer. It validates user
// arguments, translates user pointers through the caller's page table and
// turns kernel results into the integers user programs see.
package syscall

import (
	"log/slog"

	"taskos/pkg/config"
	"taskos/pkg/task"
)

// Dispatcher routes syscalls from the running task to their handlers.
type Dispatcher struct {
	k   *task.Kernel
	log *slog.Logger
}

// New creates a dispatcher for k.
func New(k *task.Kernel) *Dispatcher {
	return &Dispatcher{k: k, log: k.Logger().With("component", "syscall")}
}

// Syscall runs syscall id with args on behalf of the running task and
// returns its result. Unknown ids return -1.
func (d *Dispatcher) Syscall(id uint64, args [3]uint64) int64 {
	cur := d.k.CurrentTask()
	cur.CountSyscall(id)
	d.log.Debug("syscall", "tid", cur.Tid(), "id", id, "args", args)

	switch id {
	case config.SyscallExit:
		return d.SysExit(int32(args[0]))
	case config.SyscallYield:
		return d.SysYield()
	case config.SyscallGetPid:
		return d.SysGetPid()
	case config.SyscallFork:
		return d.SysFork()
	case config.SyscallExec:
		return d.SysExec(args[0])
	case config.SyscallWaitPid:
		return d.SysWaitPid(int64(args[0]), args[1])
	case config.SyscallSpawn:
		return d.SysSpawn(args[0])
	case config.SyscallSbrk:
		return d.SysSbrk(int64(args[0]))
	case config.SyscallMmap:
		return d.SysMmap(args[0], args[1], args[2])
	case config.SyscallMunmap:
		return d.SysMunmap(args[0], args[1])
	case config.SyscallGetTime:
		return d.SysGetTime(args[0], args[1])
	case config.SyscallTaskInfo:
		return d.SysTaskInfo(args[0])
	case config.SyscallSetPriority:
		return d.SysSetPriority(int64(args[0]))
	case config.SyscallThreadCreate:
		return d.SysThreadCreate(args[0], args[1])
	case config.SyscallGetTid:
		return d.SysGetTid()
	case config.SyscallWaitTid:
		return d.SysWaitTid(int(args[0]))
	case config.SyscallMutexCreate:
		return d.SysMutexCreate(args[0] != 0)
	case config.SyscallMutexLock:
		return d.SysMutexLock(int(args[0]))
	case config.SyscallMutexUnlock:
		return d.SysMutexUnlock(int(args[0]))
	case config.SyscallSemaphoreCreate:
		return d.SysSemaphoreCreate(int(args[0]))
	case config.SyscallSemaphoreUp:
		return d.SysSemaphoreUp(int(args[0]))
	case config.SyscallSemaphoreDown:
		return d.SysSemaphoreDown(int(args[0]))
	default:
		d.log.Warn("unsupported syscall", "id", id)
		return -1
	}
}
