package hart

import (
	"context"
	"errors"
	"testing"

	"taskos/pkg/config"
	"taskos/pkg/klog"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/task"
	"taskos/pkg/timer"
)

// boot assembles each program, boots them in order and returns the kernel.
func boot(t *testing.T, progs ...*Assembler) *task.Kernel {
	t.Helper()
	table := loader.NewTable()
	var names []string
	for i, a := range progs {
		img, err := a.Image()
		if err != nil {
			t.Fatalf("Image() error = %v", err)
		}
		name := string(rune('a' + i))
		table.Add(name, img)
		names = append(names, name)
	}
	k := task.New(task.Options{
		Mem:    mm.NewPhysMem(512),
		Loader: table,
		Clock:  &timer.Manual{},
		Logger: klog.Discard(),
	})
	if err := k.Boot(names...); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	return k
}

func exitWith(code int32) *Assembler {
	return NewAssembler().Syscall(config.SyscallExit, code)
}

// TestAssembler tests label resolution and data placement.
func TestAssembler(t *testing.T) {
	text, err := NewAssembler().
		Label("top").
		La(A0, "msg").
		J("top").
		String("msg", "hi").
		Assemble()
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(text) != 3*InstSize {
		t.Fatalf("len = %d, want %d", len(text), 3*InstSize)
	}
	la := Decode(text[0:])
	if la.Op != OpLa || la.Imm != 2*InstSize {
		t.Errorf("la = %v, want offset %d", la, 2*InstSize)
	}
	j := Decode(text[InstSize:])
	if j.Op != OpJ || j.Imm != -InstSize {
		t.Errorf("j = %v, want offset %d", j, -InstSize)
	}
	if string(text[2*InstSize:2*InstSize+3]) != "hi\x00" {
		t.Errorf("data = %q", text[2*InstSize:])
	}

	if _, err := NewAssembler().J("nowhere").Assemble(); !errors.Is(err, ErrUndefinedLabel) {
		t.Errorf("undefined label error = %v", err)
	}
	if _, err := NewAssembler().Label("x").Label("x").Assemble(); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("duplicate label error = %v", err)
	}
}

// TestRunToCompletion tests that a lone exit halts normally.
func TestRunToCompletion(t *testing.T) {
	k := boot(t, exitWith(4))
	root := k.InitProc()
	err := New(k).Run(context.Background())
	if !errors.Is(err, task.ErrAllTasksCompleted) {
		t.Fatalf("Run() error = %v, want ErrAllTasksCompleted", err)
	}
	if root.ExitCode() != 4 || !root.IsZombie() {
		t.Errorf("exit code = %d zombie = %v", root.ExitCode(), root.IsZombie())
	}
}

// TestForkWait tests a parent collecting its child's exit code.
func TestForkWait(t *testing.T) {
	prog := NewAssembler().
		Syscall(config.SyscallFork).
		Bnez(A0, "parent").
		Syscall(config.SyscallExit, 7).
		Label("parent").
		Label("wait").
		Li(A0, -1).
		La(A1, "code").
		Syscall(config.SyscallWaitPid).
		Addi(T0, A0, 2).
		Bnez(T0, "done").
		Syscall(config.SyscallYield).
		J("wait").
		Label("done").
		La(T1, "code").
		Lw(A0, T1, 0).
		Syscall(config.SyscallExit).
		Space("code", 8)

	k := boot(t, prog)
	root := k.InitProc()
	if err := New(k).Run(context.Background()); !errors.Is(err, task.ErrAllTasksCompleted) {
		t.Fatalf("Run() error = %v", err)
	}
	if root.ExitCode() != 7 {
		t.Errorf("exit code = %d, want 7", root.ExitCode())
	}
	if n := len(root.Children()); n != 0 {
		t.Errorf("children = %d, want 0", n)
	}
}

// TestRoundRobinOrder tests slice order across yielding programs.
func TestRoundRobinOrder(t *testing.T) {
	yielder := func() *Assembler {
		return NewAssembler().
			Li(S0, 2).
			Label("loop").
			Syscall(config.SyscallYield).
			Addi(S0, S0, -1).
			Bnez(S0, "loop").
			Syscall(config.SyscallExit, 0)
	}
	k := boot(t, yielder(), yielder(), yielder())

	var order []int
	h := New(k, WithSliceHook(func(pid, _ int) error {
		order = append(order, pid)
		return nil
	}))
	if err := h.Run(context.Background()); !errors.Is(err, task.ErrAllTasksCompleted) {
		t.Fatalf("Run() error = %v", err)
	}
	want := []int{0, 1, 2, 0, 1, 2, 0, 1, 2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestFaults tests that bad accesses and opcodes kill only the offender.
func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		prog *Assembler
		want int32
	}{
		{"load from null", NewAssembler().Ld(A0, Zero, 0), ExitPageFault},
		{"store to unmapped page", NewAssembler().Li(T0, 0x7000_0000).Sd(A0, T0, 0), ExitPageFault},
		{"illegal opcode", NewAssembler().emit(Inst{Op: 0xee}), ExitIllegalInst},
		{"run into zero fill", NewAssembler().Li(A0, 1), ExitIllegalInst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := boot(t, tt.prog, exitWith(0))
			victim := k.InitProc()
			if err := New(k).Run(context.Background()); !errors.Is(err, task.ErrAllTasksCompleted) {
				t.Fatalf("Run() error = %v", err)
			}
			if victim.ExitCode() != tt.want {
				t.Errorf("exit code = %d, want %d", victim.ExitCode(), tt.want)
			}
		})
	}
}

// TestSemaphoreThreads tests a thread waking its blocked main task.
func TestSemaphoreThreads(t *testing.T) {
	prog := NewAssembler().
		Syscall(config.SyscallSemaphoreCreate, 0).
		Mv(S0, A0).
		La(A0, "worker").
		Li(A1, 0).
		Syscall(config.SyscallThreadCreate).
		Mv(S1, A0).
		Mv(A0, S0).
		Syscall(config.SyscallSemaphoreDown).
		Mv(A0, S1).
		Syscall(config.SyscallWaitTid).
		Syscall(config.SyscallExit).
		Label("worker").
		Syscall(config.SyscallSemaphoreUp, 0).
		Syscall(config.SyscallExit, 5)

	k := boot(t, prog)
	root := k.InitProc()
	if err := New(k).Run(context.Background()); !errors.Is(err, task.ErrAllTasksCompleted) {
		t.Fatalf("Run() error = %v", err)
	}
	if root.ExitCode() != 5 {
		t.Errorf("exit code = %d, want 5", root.ExitCode())
	}
}

// TestDeadlockHalts tests the blocked halt through the emulator.
func TestDeadlockHalts(t *testing.T) {
	prog := NewAssembler().
		Syscall(config.SyscallSemaphoreCreate, 0).
		Syscall(config.SyscallSemaphoreDown, 0).
		Syscall(config.SyscallExit, 0)
	k := boot(t, prog)
	if err := New(k).Run(context.Background()); !errors.Is(err, task.ErrAllTasksBlocked) {
		t.Errorf("Run() error = %v, want ErrAllTasksBlocked", err)
	}
}

// TestStepLimitAndCancel tests the ways to stop a spinning program.
func TestStepLimitAndCancel(t *testing.T) {
	spin := func() *Assembler { return NewAssembler().Label("l").J("l") }

	h := New(boot(t, spin()), WithMaxSteps(100))
	if err := h.Run(context.Background()); !errors.Is(err, ErrStepLimit) {
		t.Errorf("Run() error = %v, want ErrStepLimit", err)
	}
	if h.Steps() != 100 {
		t.Errorf("Steps() = %d, want 100", h.Steps())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(boot(t, spin())).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	stop := errors.New("quit")
	h = New(boot(t, spin()), WithSliceHook(func(int, int) error { return stop }))
	if err := h.Run(context.Background()); !errors.Is(err, ErrStopped) || !errors.Is(err, stop) {
		t.Errorf("Run() error = %v, want ErrStopped and hook error", err)
	}
}

// TestMemorySyscalls tests mmap, sbrk and get_time from user code.
func TestMemorySyscalls(t *testing.T) {
	prog := NewAssembler().
		Li(A0, 0x1000).Li(A1, 4096).Li(A2, 3).
		Syscall(config.SyscallMmap).
		Bnez(A0, "fail").
		Li(T0, 0x1000).
		Li(T1, 42).
		Sd(T1, T0, 8).
		Li(A0, 0x1800).Li(A1, 0).
		Syscall(config.SyscallGetTime).
		Bnez(A0, "fail").
		Syscall(config.SyscallSbrk, 16).
		Mv(T2, A0).
		Li(T1, 9).
		Sd(T1, T2, 0).
		Li(T0, 0x1000).
		Ld(A0, T0, 8).
		Syscall(config.SyscallExit).
		Label("fail").
		Syscall(config.SyscallExit, 1)

	k := boot(t, prog)
	root := k.InitProc()
	if err := New(k).Run(context.Background()); !errors.Is(err, task.ErrAllTasksCompleted) {
		t.Fatalf("Run() error = %v", err)
	}
	if root.ExitCode() != 42 {
		t.Errorf("exit code = %d, want 42", root.ExitCode())
	}
}
