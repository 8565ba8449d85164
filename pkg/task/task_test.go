package task

import (
	"errors"
	"testing"
	"time"

	"taskos/pkg/config"
	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/timer"
)

// newTestKernel boots one process per app name and dispatches the first.
func newTestKernel(t *testing.T, apps ...string) (*Kernel, *timer.Manual) {
	t.Helper()
	table := loader.NewTable()
	for _, name := range apps {
		table.Add(name, loader.BuildELF([]byte(name)))
	}
	clock := &timer.Manual{}
	k := New(Options{
		Mem:    mm.NewPhysMem(512),
		Loader: table,
		Clock:  clock,
		Logger: klog.Discard(),
	})
	if err := k.Boot(apps...); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	k.RunFirstTask()
	return k, clock
}

// halt runs fn and returns the error it halted the kernel with.
func halt(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		e, ok := r.(error)
		if !ok {
			t.Fatalf("expected kernel halt, got %v", r)
		}
		err = e
	}()
	fn()
	return nil
}

// TestTaskStatusTransitions tests the legal status moves.
func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusReady, StatusRunning, true},
		{StatusReady, StatusBlocked, false},
		{StatusRunning, StatusReady, true},
		{StatusRunning, StatusBlocked, true},
		{StatusRunning, StatusExited, true},
		{StatusRunning, StatusRunning, false},
		{StatusBlocked, StatusReady, true},
		{StatusBlocked, StatusRunning, false},
		{StatusExited, StatusReady, false},
		{StatusExited, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestInvalidTransitionPanics tests that an illegal move is fatal.
func TestInvalidTransitionPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("recover() = %v, want ErrInvalidTransition", r)
		}
	}()
	s := StatusExited
	s.transition(StatusReady)
}

// TestRecycleAllocator tests id reuse.
func TestRecycleAllocator(t *testing.T) {
	var a RecycleAllocator
	if a.Alloc() != 0 || a.Alloc() != 1 || a.Alloc() != 2 {
		t.Fatal("expected sequential ids")
	}
	a.Dealloc(1)
	if got := a.Alloc(); got != 1 {
		t.Errorf("Alloc() = %d, want recycled 1", got)
	}
	if got := a.InUse(); got != 3 {
		t.Errorf("InUse() = %d, want 3", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("double Dealloc did not panic")
		}
	}()
	a.Dealloc(2)
	a.Dealloc(2)
}

// TestKernelStackLayout tests that stacks are separated by a guard page.
func TestKernelStackLayout(t *testing.T) {
	s0, s1 := KernelStack{id: 0}, KernelStack{id: 1}
	if s0.Top() != config.Trampoline {
		t.Errorf("stack 0 top = %#x, want trampoline", s0.Top())
	}
	if gap := s0.Bottom() - s1.Top(); gap != config.PageSize {
		t.Errorf("guard gap = %#x, want one page", gap)
	}
}

// TestRegisterFileSwitch tests that a switch saves live registers into the
// outgoing context.
func TestRegisterFileSwitch(t *testing.T) {
	var r RegisterFile
	a := TaskContext{Ra: 1, Sp: 2}
	b := TaskContext{Ra: 3, Sp: 4}
	var scratch TaskContext
	r.Switch(&scratch, &a)
	r.Switch(&a, &b)
	if r.Live() != b {
		t.Errorf("Live() = %+v, want %+v", r.Live(), b)
	}
	if a.Ra != 1 || a.Sp != 2 {
		t.Errorf("saved context = %+v, want the registers of a", a)
	}
	if r.Switches() != 2 {
		t.Errorf("Switches() = %d, want 2", r.Switches())
	}
}

// TestRunFirstTask tests the first dispatch.
func TestRunFirstTask(t *testing.T) {
	k, _ := newTestKernel(t, "initproc", "a")

	cur := k.CurrentTask()
	if cur.Status() != StatusRunning {
		t.Errorf("status = %v, want running", cur.Status())
	}
	if k.CurrentProcess() != k.InitProc() {
		t.Error("first task does not belong to initproc")
	}
	cx := k.CurrentTrapCx()
	if cx.Sepc != loader.ImageBase {
		t.Errorf("sepc = %#x, want %#x", cx.Sepc, loader.ImageBase)
	}
	if cx.X[2] != cur.UserStackTop() {
		t.Errorf("sp = %#x, want %#x", cx.X[2], cur.UserStackTop())
	}
	if cx.KernelSp != cur.KernelStack().Top() {
		t.Errorf("kernel sp = %#x, want %#x", cx.KernelSp, cur.KernelStack().Top())
	}
	if _, ok := cur.StartTime(); !ok {
		t.Error("start time not recorded")
	}
}

// TestRoundRobin tests that yield cycles through tasks in order.
func TestRoundRobin(t *testing.T) {
	k, _ := newTestKernel(t, "initproc", "a", "b")

	var order []int
	for range 6 {
		order = append(order, k.CurrentProcess().Pid())
		k.SuspendCurrentAndRunNext()
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestYieldAlone tests that a lone task keeps running after a yield.
func TestYieldAlone(t *testing.T) {
	k, _ := newTestKernel(t, "initproc")
	cur := k.CurrentTask()
	k.SuspendCurrentAndRunNext()
	if k.CurrentTask() != cur || cur.Status() != StatusRunning {
		t.Error("lone task was not re-dispatched")
	}
}

// TestBlockedTasksAreSkipped tests that blocked tasks keep their place but
// are not dispatched until woken.
func TestBlockedTasksAreSkipped(t *testing.T) {
	k, _ := newTestKernel(t, "initproc", "a", "b")

	blocked := k.CurrentTask()
	k.BlockCurrentAndRunNext()
	for range 4 {
		if k.CurrentTask() == blocked {
			t.Fatal("blocked task was dispatched")
		}
		k.SuspendCurrentAndRunNext()
	}

	k.Wakeup(blocked)
	if blocked.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", blocked.Status())
	}
	seen := false
	for range 3 {
		k.SuspendCurrentAndRunNext()
		seen = seen || k.CurrentTask() == blocked
	}
	if !seen {
		t.Error("woken task never ran")
	}
}

// TestHaltWhenAllExited tests the completion sentinel.
func TestHaltWhenAllExited(t *testing.T) {
	k, _ := newTestKernel(t, "initproc")
	err := halt(t, func() { k.ExitCurrentAndRunNext(0) })
	if !errors.Is(err, ErrAllTasksCompleted) {
		t.Errorf("halt = %v, want ErrAllTasksCompleted", err)
	}
	if k.TryCurrentTask() != nil {
		t.Error("current task survives halt")
	}
}

// TestHaltWhenAllBlocked tests the deadlock sentinel.
func TestHaltWhenAllBlocked(t *testing.T) {
	k, _ := newTestKernel(t, "initproc", "a")
	k.BlockCurrentAndRunNext()
	err := halt(t, func() { k.BlockCurrentAndRunNext() })
	if !errors.Is(err, ErrAllTasksBlocked) {
		t.Errorf("halt = %v, want ErrAllTasksBlocked", err)
	}
}

// TestExitedTasksArePruned tests that the scheduler drops exited tasks.
func TestExitedTasksArePruned(t *testing.T) {
	k, _ := newTestKernel(t, "initproc", "a", "b")
	k.SuspendCurrentAndRunNext()
	gone := k.CurrentTask()
	k.ExitCurrentAndRunNext(3)

	if k.Scheduler().Contains(gone) {
		t.Error("exited task still scheduled")
	}
	if k.Scheduler().Len() != 2 {
		t.Errorf("Len() = %d, want 2", k.Scheduler().Len())
	}
	if got := k.CurrentProcess().Pid(); got != 2 {
		t.Errorf("current pid = %d, want 2", got)
	}
	if code, ok := gone.ExitCode(); !ok || code != 3 {
		t.Errorf("ExitCode() = %d, %v; want 3, true", code, ok)
	}
}

// TestStartTime tests that the start stamp comes from the first dispatch.
func TestStartTime(t *testing.T) {
	k, clock := newTestKernel(t, "initproc", "a")
	clock.Advance(25 * time.Millisecond)
	k.SuspendCurrentAndRunNext()
	start, ok := k.CurrentTask().StartTime()
	if !ok || start != 25 {
		t.Errorf("StartTime() = %d, %v; want 25, true", start, ok)
	}
	clock.Advance(10 * time.Millisecond)
	k.SuspendCurrentAndRunNext()
	k.SuspendCurrentAndRunNext()
	if again, _ := k.CurrentTask().StartTime(); again != 25 {
		t.Errorf("StartTime() moved to %d on redispatch", again)
	}
}

// TestSyscallCounters tests the per-task counter table.
func TestSyscallCounters(t *testing.T) {
	k, _ := newTestKernel(t, "initproc")
	cur := k.CurrentTask()
	cur.CountSyscall(config.SyscallGetTime)
	cur.CountSyscall(config.SyscallGetTime)
	cur.CountSyscall(config.MaxSyscallNum + 7)

	times := cur.SyscallTimes()
	if times[config.SyscallGetTime] != 2 {
		t.Errorf("get_time count = %d, want 2", times[config.SyscallGetTime])
	}
	var total uint32
	for _, n := range times {
		total += n
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}
