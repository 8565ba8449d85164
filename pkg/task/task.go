package task

import (
	"fmt"
	"weak"

	"taskos/pkg/cell"
	"taskos/pkg/config"
	"taskos/pkg/mm"
	"taskos/pkg/trap"
)

// TaskControlBlock is one schedulable unit of a process.
type TaskControlBlock struct {
	// process is the owning process. The process holds the strong link.
	process weak.Pointer[ProcessControlBlock]
	// mem backs the trap context frame.
	mem *mm.PhysMem
	// tid is the task's index within its process.
	tid int
	// kstack is the task's kernel stack slot.
	kstack KernelStack
	inner  *cell.Cell[taskInner]
}

type taskInner struct {
	// res is nil once the task's user resources have been released.
	res *userRes
	// trapCxPPN is the frame holding the trap context.
	trapCxPPN mm.PhysPageNum
	// cx is the saved kernel context.
	cx     TaskContext
	status TaskStatus
	// exitCode is valid once exited is set.
	exitCode int32
	exited   bool

	// syscallTimes counts calls per syscall id.
	syscallTimes [config.MaxSyscallNum]uint32
	// startTime is the first dispatch in ms, valid once started is set.
	startTime uint64
	started   bool
	priority  int64

	// mutexAlloc and mutexNeed are indexed by mutex id.
	mutexAlloc []int
	mutexNeed  []int
	// semAlloc and semNeed are indexed by semaphore id.
	semAlloc []int
	semNeed  []int
}

func newTaskControlBlock(p *ProcessControlBlock, mem *mm.PhysMem, kstack KernelStack, res *userRes, nMutex, nSem int) *TaskControlBlock {
	return &TaskControlBlock{
		process: weak.Make(p),
		mem:     mem,
		tid:     res.tid,
		kstack:  kstack,
		inner: cell.New(fmt.Sprintf("task %d/%d", p.pid, res.tid), taskInner{
			res:        res,
			cx:         GotoTrapReturn(kstack.Top()),
			status:     StatusReady,
			priority:   config.DefaultPriority,
			mutexAlloc: make([]int, nMutex),
			mutexNeed:  make([]int, nMutex),
			semAlloc:   make([]int, nSem),
			semNeed:    make([]int, nSem),
		}),
	}
}

// Process returns the owning process, or nil if it has been reclaimed.
func (t *TaskControlBlock) Process() *ProcessControlBlock {
	return t.process.Value()
}

// Tid returns the task id within its process.
func (t *TaskControlBlock) Tid() int { return t.tid }

// KernelStack returns the task's kernel stack slot.
func (t *TaskControlBlock) KernelStack() KernelStack { return t.kstack }

// Status returns the task's current status.
func (t *TaskControlBlock) Status() TaskStatus {
	return cell.Get(t.inner, func(in *taskInner) TaskStatus { return in.status })
}

// TrapCx returns the task's trap context, viewed in place in its frame.
func (t *TaskControlBlock) TrapCx() *trap.Context {
	ppn := cell.Get(t.inner, func(in *taskInner) mm.PhysPageNum {
		if in.res == nil {
			panic(fmt.Sprintf("task %d: trap context already released", t.tid))
		}
		return in.trapCxPPN
	})
	return mm.View[trap.Context](t.mem, ppn.Addr())
}

// HasTrapCx reports whether the task still owns its trap context page.
func (t *TaskControlBlock) HasTrapCx() bool {
	return cell.Get(t.inner, func(in *taskInner) bool { return in.res != nil })
}

// UserStackTop returns the initial user stack pointer of the task.
func (t *TaskControlBlock) UserStackTop() uint64 {
	return cell.Get(t.inner, func(in *taskInner) uint64 {
		if in.res == nil {
			return 0
		}
		return in.res.ustackTop()
	})
}

// Priority returns the task's scheduling priority.
func (t *TaskControlBlock) Priority() int64 {
	return cell.Get(t.inner, func(in *taskInner) int64 { return in.priority })
}

// SetPriority stores a new scheduling priority.
func (t *TaskControlBlock) SetPriority(prio int64) {
	t.inner.With(func(in *taskInner) { in.priority = prio })
}

// CountSyscall records one invocation of syscall id. Ids outside the
// counter table are ignored.
func (t *TaskControlBlock) CountSyscall(id uint64) {
	if id >= config.MaxSyscallNum {
		return
	}
	t.inner.With(func(in *taskInner) { in.syscallTimes[id]++ })
}

// SyscallTimes returns a copy of the per-syscall invocation counters.
func (t *TaskControlBlock) SyscallTimes() [config.MaxSyscallNum]uint32 {
	return cell.Get(t.inner, func(in *taskInner) [config.MaxSyscallNum]uint32 { return in.syscallTimes })
}

// StartTime returns the time in milliseconds the task was first
// dispatched. ok is false if it has never run.
func (t *TaskControlBlock) StartTime() (ms uint64, ok bool) {
	t.inner.With(func(in *taskInner) { ms, ok = in.startTime, in.started })
	return ms, ok
}

// ExitCode returns the task's exit code. ok is false while it is alive.
func (t *TaskControlBlock) ExitCode() (code int32, ok bool) {
	t.inner.With(func(in *taskInner) { code, ok = in.exitCode, in.exited })
	return code, ok
}

// context returns the saved context slot used by the switcher.
func (t *TaskControlBlock) context() *TaskContext {
	return cell.Get(t.inner, func(in *taskInner) *TaskContext { return &in.cx })
}

func (t *TaskControlBlock) setStatus(next TaskStatus) {
	t.inner.With(func(in *taskInner) { in.status.transition(next) })
}

// dispatch marks the task Running and stamps its first-dispatch time.
func (t *TaskControlBlock) dispatch(nowMs uint64) {
	t.inner.With(func(in *taskInner) {
		in.status.transition(StatusRunning)
		if !in.started {
			in.started = true
			in.startTime = nowMs
		}
	})
}

// releaseUserRes unmaps the task's user stack and trap context from ms.
func (t *TaskControlBlock) releaseUserRes(ms *mm.MemorySet) {
	t.inner.With(func(in *taskInner) {
		if in.res == nil {
			return
		}
		in.res.dealloc(ms)
		in.res = nil
		in.trapCxPPN = 0
	})
}

// dropUserRes forgets the user resources after the whole address space has
// been recycled.
func (t *TaskControlBlock) dropUserRes() {
	t.inner.With(func(in *taskInner) {
		in.res = nil
		in.trapCxPPN = 0
	})
}
