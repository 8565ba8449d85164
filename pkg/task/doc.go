/*
Package task implements process and task management for the taskos kernel.

It provides cooperative multitasking on a single hart, modelled on the Unix
process tree:

  - Task control blocks: one schedulable unit each, with its own kernel
    stack, saved task context, status and accounting counters
  - Process control blocks: one address space, the tasks running in it, the
    child processes it owns and a weak link back to its parent
  - A round-robin scheduler that switches only at yield, exit and block
  - Process lifecycle: fork, exec, spawn, exit and waitpid with zombie reaping
  - Resource accounting hooks (mutex and semaphore need/alloc vectors) for a
    deadlock detector

# Task States

A task is always in one of these states:

  - Ready: runnable, waiting for the hart
  - Running: on the hart; exactly one task at a time
  - Blocked: waiting for a mutex or semaphore
  - Exited: finished; terminal

A process whose main task has exited is a zombie. It stays in its parent's
children list until the parent collects the exit code with WaitPid.

# Ownership

A process owns its address space, its tasks and its children. Tasks point
back at their process, and processes at their parent, through weak pointers,
so the tree never forms a strong cycle.

# Usage

	k := task.New(task.Options{
		Mem:    mm.NewPhysMem(cfg.Frames),
		Loader: apps,
		Clock:  timer.NewMonotonic(),
	})
	if err := k.Boot("initproc"); err != nil {
		// Handle error
	}
	k.RunFirstTask()

All shared kernel state sits behind cell.Cell, so a kernel path that
re-enters state it already holds panics immediately.
*/
package task
