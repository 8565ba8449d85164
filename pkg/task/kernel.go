package task

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"weak"

	"taskos/pkg/cell"
	"taskos/pkg/config"
	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/timer"
	"taskos/pkg/trap"
)

// kernelSatp is the kernel page table token stored in trap contexts. The
// kernel itself runs untranslated.
const kernelSatp = 0

// Options configures a Kernel. Zero fields get defaults.
type Options struct {
	// Mem is the physical memory the kernel allocates frames from.
	Mem *mm.PhysMem
	// Loader finds program images by name.
	Loader loader.Loader
	// Clock supplies time for get_time and task start stamps.
	Clock timer.Clock
	// Switcher performs task context switches.
	Switcher Switcher
	// Logger receives kernel events.
	Logger *slog.Logger
}

// Kernel owns the process table, the scheduler and the id allocators.
type Kernel struct {
	// mem is the physical memory every address space allocates from.
	mem *mm.PhysMem
	// loader finds program images for boot, exec and spawn.
	loader loader.Loader
	// clock stamps task start times.
	clock timer.Clock
	// log receives lifecycle events.
	log *slog.Logger
	// sched holds the task list and the current task.
	sched *Scheduler

	// pids hands out process ids.
	pids *cell.Cell[RecycleAllocator]
	// kstacks hands out kernel stack slots.
	kstacks *cell.Cell[RecycleAllocator]
	// procs holds all live processes by PID.
	procs *cell.Cell[map[int]*ProcessControlBlock]
	// initproc adopts orphaned processes.
	initproc *ProcessControlBlock
}

// New creates a kernel with no processes.
func New(opts Options) *Kernel {
	if opts.Mem == nil {
		opts.Mem = mm.NewPhysMem(config.Default().Frames)
	}
	if opts.Loader == nil {
		opts.Loader = loader.NewTable()
	}
	if opts.Clock == nil {
		opts.Clock = timer.NewMonotonic()
	}
	if opts.Switcher == nil {
		opts.Switcher = &RegisterFile{}
	}
	if opts.Logger == nil {
		opts.Logger = klog.Log
	}
	k := &Kernel{
		mem:     opts.Mem,
		loader:  opts.Loader,
		clock:   opts.Clock,
		log:     opts.Logger,
		pids:    cell.New("pid allocator", RecycleAllocator{}),
		kstacks: cell.New("kernel stack allocator", RecycleAllocator{}),
		procs:   cell.New("process table", map[int]*ProcessControlBlock{}),
	}
	k.sched = NewScheduler(opts.Switcher, opts.Clock, opts.Logger)
	return k
}

// Mem returns the physical memory.
func (k *Kernel) Mem() *mm.PhysMem { return k.mem }

// Loader returns the program loader.
func (k *Kernel) Loader() loader.Loader { return k.loader }

// Clock returns the kernel clock.
func (k *Kernel) Clock() timer.Clock { return k.clock }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *slog.Logger { return k.log }

// Scheduler returns the task scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }

// InitProc returns the first booted process, which adopts orphans.
func (k *Kernel) InitProc() *ProcessControlBlock { return k.initproc }

// Boot creates one process per named program. The first becomes initproc;
// the rest are its children.
func (k *Kernel) Boot(names ...string) error {
	for _, name := range names {
		data, ok := k.loader.AppByName(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
		}
		p, err := k.newProcess(data, k.initproc)
		if err != nil {
			return fmt.Errorf("boot %s: %w", name, err)
		}
		if k.initproc == nil {
			k.initproc = p
		}
		k.log.Info("booted", "app", name, "pid", p.Pid())
	}
	return nil
}

// RunFirstTask dispatches the first task added to the scheduler.
func (k *Kernel) RunFirstTask() {
	k.sched.RunFirst()
}

// TryCurrentTask returns the running task, or nil if none is running.
func (k *Kernel) TryCurrentTask() *TaskControlBlock {
	return k.sched.Current()
}

// CurrentTask returns the running task. It panics if none is running.
func (k *Kernel) CurrentTask() *TaskControlBlock {
	t := k.sched.Current()
	if t == nil {
		panic("no current task")
	}
	return t
}

// CurrentProcess returns the process of the running task.
func (k *Kernel) CurrentProcess() *ProcessControlBlock {
	p := k.CurrentTask().Process()
	if p == nil {
		panic("current task has no process")
	}
	return p
}

// CurrentUserToken returns the page table token of the running process.
func (k *Kernel) CurrentUserToken() uint64 {
	return k.CurrentProcess().Token()
}

// CurrentTrapCx returns the trap context of the running task.
func (k *Kernel) CurrentTrapCx() *trap.Context {
	return k.CurrentTask().TrapCx()
}

// Process looks up a live process by pid.
func (k *Kernel) Process(pid int) (*ProcessControlBlock, error) {
	p := cell.Get(k.procs, func(m *map[int]*ProcessControlBlock) *ProcessControlBlock { return (*m)[pid] })
	if p == nil {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	return p, nil
}

// Processes returns every live process ordered by pid.
func (k *Kernel) Processes() []*ProcessControlBlock {
	return cell.Get(k.procs, func(m *map[int]*ProcessControlBlock) []*ProcessControlBlock {
		pids := slices.Sorted(maps.Keys(*m))
		out := make([]*ProcessControlBlock, 0, len(pids))
		for _, pid := range pids {
			out = append(out, (*m)[pid])
		}
		return out
	})
}

// AddTask makes t schedulable.
func (k *Kernel) AddTask(t *TaskControlBlock) {
	k.sched.Add(t)
}

// Wakeup makes a blocked task Ready.
func (k *Kernel) Wakeup(t *TaskControlBlock) {
	k.sched.Wakeup(t)
}

// SuspendCurrentAndRunNext yields the hart.
func (k *Kernel) SuspendCurrentAndRunNext() {
	k.sched.Suspend()
}

// BlockCurrentAndRunNext parks the running task until Wakeup.
func (k *Kernel) BlockCurrentAndRunNext() {
	k.sched.Block()
}

func (k *Kernel) allocPid() int {
	return cell.Get(k.pids, func(a *RecycleAllocator) int { return a.Alloc() })
}

func (k *Kernel) newTask(p *ProcessControlBlock, ustackBase uint64, allocRes bool) (*TaskControlBlock, error) {
	in := p.inner.Borrow()
	defer p.inner.Release()

	res := &userRes{tid: in.tids.Alloc(), ustackBase: ustackBase}
	if res.tid >= config.MaxTasksPerProcess {
		in.tids.Dealloc(res.tid)
		return nil, ErrTooManyTasks
	}
	if allocRes {
		if err := res.alloc(in.memorySet); err != nil {
			in.tids.Dealloc(res.tid)
			return nil, err
		}
	}
	kstack := KernelStack{id: cell.Get(k.kstacks, func(a *RecycleAllocator) int { return a.Alloc() })}
	t := newTaskControlBlock(p, k.mem, kstack, res, len(in.mutexes), len(in.semaphores))
	ppn := res.trapCxPPN(in.memorySet)
	t.inner.With(func(ti *taskInner) { ti.trapCxPPN = ppn })
	in.tasks = append(in.tasks, t)
	return t, nil
}

func (k *Kernel) adopt(parent, child *ProcessControlBlock) {
	child.inner.With(func(in *processInner) { in.parent = weak.Make(parent) })
	parent.inner.With(func(in *processInner) { in.children = append(in.children, child) })
}

// newProcess builds a process from an image and schedules its main task.
func (k *Kernel) newProcess(data []byte, parent *ProcessControlBlock) (*ProcessControlBlock, error) {
	ms, ustackBase, entry, err := mm.FromELF(k.mem, data)
	if err != nil {
		return nil, err
	}
	heapBottom, err := initHeap(ms, ustackBase)
	if err != nil {
		ms.Release()
		return nil, err
	}
	p := newProcessControlBlock(k.allocPid(), ms, heapBottom)
	t, err := k.newTask(p, ustackBase, true)
	if err != nil {
		ms.Release()
		k.pids.With(func(a *RecycleAllocator) { a.Dealloc(p.pid) })
		return nil, err
	}
	t.TrapCx().InitApp(entry, t.UserStackTop(), kernelSatp, t.kstack.Top(), config.TrapHandler)

	if parent != nil {
		k.adopt(parent, p)
	}
	k.procs.With(func(m *map[int]*ProcessControlBlock) { (*m)[p.pid] = p })
	k.sched.Add(t)
	return p, nil
}

// Fork duplicates the running process. The child gets a deep copy of the
// address space, returns 0 from the syscall and is appended to the
// scheduler. The parent's state is untouched.
func (k *Kernel) Fork() (*ProcessControlBlock, error) {
	cur := k.CurrentTask()
	parent := k.CurrentProcess()
	ustackBase := cell.Get(cur.inner, func(in *taskInner) uint64 { return in.res.ustackBase })

	var (
		ms              *mm.MemorySet
		heapBottom, brk uint64
		err             error
	)
	parent.inner.With(func(in *processInner) {
		if len(in.tasks) != 1 {
			err = ErrMultiThreaded
			return
		}
		ms, err = mm.FromExistedUser(in.memorySet)
		heapBottom, brk = in.heapBottom, in.programBrk
	})
	if err != nil {
		return nil, fmt.Errorf("fork pid %d: %w", parent.pid, err)
	}

	child := newProcessControlBlock(k.allocPid(), ms, heapBottom)
	child.inner.With(func(in *processInner) { in.programBrk = brk })
	t, err := k.newTask(child, ustackBase, false)
	if err != nil {
		ms.Release()
		k.pids.With(func(a *RecycleAllocator) { a.Dealloc(child.pid) })
		return nil, err
	}
	cx := t.TrapCx()
	cx.KernelSp = t.kstack.Top()
	cx.SetReturn(0)

	k.adopt(parent, child)
	k.procs.With(func(m *map[int]*ProcessControlBlock) { (*m)[child.pid] = child })
	k.sched.Add(t)
	k.log.Debug("fork", "parent", parent.pid, "child", child.pid)
	return child, nil
}

// Exec replaces the running process image. On error the process is left
// unchanged.
func (k *Kernel) Exec(data []byte) error {
	t := k.CurrentTask()
	p := k.CurrentProcess()
	if len(p.Tasks()) != 1 {
		return ErrMultiThreaded
	}
	ms, ustackBase, entry, err := mm.FromELF(k.mem, data)
	if err != nil {
		return err
	}
	heapBottom, err := initHeap(ms, ustackBase)
	if err != nil {
		ms.Release()
		return err
	}
	res := &userRes{tid: t.tid, ustackBase: ustackBase}
	if err := res.alloc(ms); err != nil {
		ms.Release()
		return err
	}

	var old *mm.MemorySet
	p.inner.With(func(in *processInner) {
		old, in.memorySet = in.memorySet, ms
		in.heapBottom, in.programBrk = heapBottom, heapBottom
	})
	ppn := res.trapCxPPN(ms)
	t.inner.With(func(in *taskInner) {
		in.res = res
		in.trapCxPPN = ppn
	})
	old.Release()

	t.TrapCx().InitApp(entry, res.ustackTop(), kernelSatp, t.kstack.Top(), config.TrapHandler)
	k.log.Debug("exec", "pid", p.pid, "entry", fmt.Sprintf("%#x", entry))
	return nil
}

// Spawn creates a child of the running process from an image without
// copying the parent.
func (k *Kernel) Spawn(data []byte) (*ProcessControlBlock, error) {
	parent := k.CurrentProcess()
	child, err := k.newProcess(data, parent)
	if err != nil {
		return nil, err
	}
	k.log.Debug("spawn", "parent", parent.pid, "child", child.pid)
	return child, nil
}

// ThreadCreate starts a new task in the running process at entry with arg
// in a0 and returns its tid.
func (k *Kernel) ThreadCreate(entry, arg uint64) (int, error) {
	cur := k.CurrentTask()
	p := k.CurrentProcess()
	ustackBase := cell.Get(cur.inner, func(in *taskInner) uint64 { return in.res.ustackBase })
	t, err := k.newTask(p, ustackBase, true)
	if err != nil {
		return 0, err
	}
	cx := t.TrapCx()
	cx.InitApp(entry, t.UserStackTop(), kernelSatp, t.kstack.Top(), config.TrapHandler)
	cx.X[trap.RegA0] = arg
	k.sched.Add(t)
	k.log.Debug("thread create", "pid", p.pid, "tid", t.tid)
	return t.tid, nil
}

// WaitTid collects the exit code of another task of the running process
// and frees its tid. It returns ErrNoTask if there is no such task (or it
// is the caller) and ErrTaskRunning if it has not exited yet.
func (k *Kernel) WaitTid(tid int) (int32, error) {
	cur := k.CurrentTask()
	p := k.CurrentProcess()
	if cur.tid == tid {
		return 0, ErrNoTask
	}
	var target *TaskControlBlock
	p.inner.With(func(in *processInner) {
		if i := slices.IndexFunc(in.tasks, func(t *TaskControlBlock) bool { return t.tid == tid }); i >= 0 {
			target = in.tasks[i]
		}
	})
	if target == nil {
		return 0, ErrNoTask
	}
	code, ok := target.ExitCode()
	if !ok {
		return 0, ErrTaskRunning
	}
	p.inner.With(func(in *processInner) {
		in.tasks = slices.DeleteFunc(in.tasks, func(t *TaskControlBlock) bool { return t == target })
		in.tids.Dealloc(tid)
	})
	k.kstacks.With(func(a *RecycleAllocator) { a.Dealloc(target.kstack.id) })
	return code, nil
}

// ExitCurrentAndRunNext terminates the running task with code. When the
// main task exits the whole process becomes a zombie: its children move to
// initproc, its user memory is freed and it leaves the process table. The
// parent collects it with WaitPid.
func (k *Kernel) ExitCurrentAndRunNext(code int32) {
	t := k.CurrentTask()
	p := k.CurrentProcess()
	t.inner.With(func(in *taskInner) { in.exitCode, in.exited = code, true })

	if t.tid != 0 {
		p.inner.With(func(in *processInner) { t.releaseUserRes(in.memorySet) })
		k.log.Debug("thread exit", "pid", p.pid, "tid", t.tid, "code", code)
		k.sched.Exit()
		return
	}

	k.procs.With(func(m *map[int]*ProcessControlBlock) { delete(*m, p.pid) })
	var tasks []*TaskControlBlock
	var orphans []*ProcessControlBlock
	p.inner.With(func(in *processInner) {
		in.zombie, in.exitCode = true, code
		orphans, in.children = in.children, nil
		tasks = append(tasks, in.tasks...)
		in.memorySet.RecycleDataPages()
	})
	for _, other := range tasks {
		other.dropUserRes()
		if other != t && other.Status() != StatusExited {
			other.setStatus(StatusExited)
		}
	}
	k.reparent(p, orphans)
	k.log.Debug("exit", "pid", p.pid, "code", code)
	k.sched.Exit()
}

func (k *Kernel) reparent(p *ProcessControlBlock, orphans []*ProcessControlBlock) {
	if len(orphans) == 0 {
		return
	}
	if p == k.initproc || k.initproc == nil {
		k.log.Warn("initproc exited with live children", "pid", p.pid, "children", len(orphans))
		for _, c := range orphans {
			c.inner.With(func(in *processInner) { in.parent = weak.Pointer[ProcessControlBlock]{} })
		}
		return
	}
	for _, c := range orphans {
		k.adopt(k.initproc, c)
	}
}

// WaitPid reaps a zombie child of the running process. pid -1 matches any
// child. deliver receives the exit code before the child is reclaimed; if it
// fails, the child stays a zombie and the error is returned. It returns
// ErrNoChild if no child matches and ErrChildRunning if none has exited.
func (k *Kernel) WaitPid(pid int, deliver func(exitCode int32) error) (int, error) {
	p := k.CurrentProcess()
	matches := func(c *ProcessControlBlock) bool { return pid == -1 || c.pid == pid }

	var (
		child *ProcessControlBlock
		found bool
	)
	p.inner.With(func(in *processInner) {
		found = slices.ContainsFunc(in.children, matches)
		i := slices.IndexFunc(in.children, func(c *ProcessControlBlock) bool {
			return matches(c) && c.IsZombie()
		})
		if i >= 0 {
			child = in.children[i]
		}
	})
	if !found {
		return 0, ErrNoChild
	}
	if child == nil {
		return 0, ErrChildRunning
	}

	code := child.ExitCode()
	if deliver != nil {
		if err := deliver(code); err != nil {
			return 0, err
		}
	}
	p.inner.With(func(in *processInner) {
		in.children = slices.DeleteFunc(in.children, func(c *ProcessControlBlock) bool { return c == child })
	})
	k.assertUniquelyOwned(child)
	k.destroy(child)
	k.log.Debug("reaped", "parent", p.pid, "child", child.pid, "code", code)
	return child.pid, nil
}

// assertUniquelyOwned panics if anything besides the reaping parent still
// refers to the zombie.
func (k *Kernel) assertUniquelyOwned(child *ProcessControlBlock) {
	inTable := cell.Get(k.procs, func(m *map[int]*ProcessControlBlock) bool { return (*m)[child.pid] == child })
	if inTable {
		panic(fmt.Sprintf("reaping pid %d: still in the process table", child.pid))
	}
	for _, t := range child.Tasks() {
		if k.sched.Contains(t) {
			panic(fmt.Sprintf("reaping pid %d: task %d still scheduled", child.pid, t.tid))
		}
	}
	if len(child.Children()) != 0 {
		panic(fmt.Sprintf("reaping pid %d: still owns children", child.pid))
	}
}

// destroy frees the page table, kernel stacks and pid of a reaped zombie.
func (k *Kernel) destroy(p *ProcessControlBlock) {
	var tasks []*TaskControlBlock
	p.inner.With(func(in *processInner) {
		in.memorySet.Release()
		tasks, in.tasks = in.tasks, nil
	})
	k.kstacks.With(func(a *RecycleAllocator) {
		for _, t := range tasks {
			a.Dealloc(t.kstack.id)
		}
	})
	k.pids.With(func(a *RecycleAllocator) { a.Dealloc(p.pid) })
}

// kernel holds the global kernel instance. It is installed once at boot and
// never torn down.
var kernel atomic.Pointer[Kernel]

// SetKernel installs k as the global kernel. Installing a second kernel
// panics.
func SetKernel(k *Kernel) {
	if k == nil {
		panic("task: nil kernel")
	}
	if !kernel.CompareAndSwap(nil, k) {
		panic("task: global kernel already installed")
	}
}

// GetKernel returns the global kernel. It panics before SetKernel.
func GetKernel() *Kernel {
	k := kernel.Load()
	if k == nil {
		panic("task: global kernel not installed")
	}
	return k
}
