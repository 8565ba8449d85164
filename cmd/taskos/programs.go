package main

import (
	"taskos/pkg/config"
	"taskos/pkg/hart"
	"taskos/pkg/loader"
)

// builtins are the programs available without an apps directory.
var builtins = map[string]func() *hart.Assembler{
	"initproc": initproc,
	"yield":    yielder,
	"forker":   forker,
	"threads":  threads,
}

// initproc spawns the demo programs and reaps children until none are left.
func initproc() *hart.Assembler {
	a := hart.NewAssembler()
	for _, name := range []string{"yield", "forker", "threads"} {
		a.La(hart.A0, name).Syscall(config.SyscallSpawn)
	}
	return a.
		Label("wait").
		Li(hart.A0, -1).
		La(hart.A1, "code").
		Syscall(config.SyscallWaitPid).
		Addi(hart.T0, hart.A0, 1).
		Beqz(hart.T0, "done").
		Addi(hart.T0, hart.A0, 2).
		Bnez(hart.T0, "wait").
		Syscall(config.SyscallYield).
		J("wait").
		Label("done").
		Syscall(config.SyscallExit, 0).
		String("yield", "yield").
		String("forker", "forker").
		String("threads", "threads").
		Space("code", 8)
}

// yielder gives up the hart a few times and exits with its pid.
func yielder() *hart.Assembler {
	return hart.NewAssembler().
		Li(hart.S0, 3).
		Label("loop").
		Syscall(config.SyscallYield).
		Addi(hart.S0, hart.S0, -1).
		Bnez(hart.S0, "loop").
		Syscall(config.SyscallGetPid).
		Syscall(config.SyscallExit)
}

// forker forks a child that maps memory and grows its heap, then waits for it.
func forker() *hart.Assembler {
	return hart.NewAssembler().
		Syscall(config.SyscallFork).
		Beqz(hart.A0, "child").
		Label("wait").
		Li(hart.A0, -1).
		La(hart.A1, "code").
		Syscall(config.SyscallWaitPid).
		Addi(hart.T0, hart.A0, 2).
		Bnez(hart.T0, "done").
		Syscall(config.SyscallYield).
		J("wait").
		Label("done").
		La(hart.T1, "code").
		Lw(hart.A0, hart.T1, 0).
		Syscall(config.SyscallExit).
		Label("child").
		Li(hart.A0, 0x1000).
		Li(hart.A1, 8192).
		Li(hart.A2, 3).
		Syscall(config.SyscallMmap).
		Li(hart.T0, 0x1000).
		Li(hart.T1, 21).
		Sd(hart.T1, hart.T0, 4096).
		Syscall(config.SyscallSbrk, 64).
		Ld(hart.T2, hart.T0, 4096).
		Add(hart.A0, hart.T2, hart.T2).
		Syscall(config.SyscallExit).
		Space("code", 8)
}

// threads hands a semaphore between a worker thread and the main thread
// under a mutex.
func threads() *hart.Assembler {
	return hart.NewAssembler().
		Syscall(config.SyscallMutexCreate, 1).
		Syscall(config.SyscallSemaphoreCreate, 0).
		La(hart.A0, "worker").
		Li(hart.A1, 0).
		Syscall(config.SyscallThreadCreate).
		Mv(hart.S1, hart.A0).
		Syscall(config.SyscallSemaphoreDown, 0).
		Syscall(config.SyscallMutexLock, 0).
		Syscall(config.SyscallMutexUnlock, 0).
		Mv(hart.A0, hart.S1).
		Syscall(config.SyscallWaitTid).
		Syscall(config.SyscallExit).
		Label("worker").
		Syscall(config.SyscallMutexLock, 0).
		Syscall(config.SyscallSemaphoreUp, 0).
		Syscall(config.SyscallYield).
		Syscall(config.SyscallMutexUnlock, 0).
		Syscall(config.SyscallExit, 3)
}

// installBuiltins assembles every builtin into table.
func installBuiltins(table *loader.Table) error {
	for name, build := range builtins {
		img, err := build().Image()
		if err != nil {
			return err
		}
		table.Add(name, img)
	}
	return nil
}
