package task

import (
	"errors"
	"fmt"
)

// Scheduling and lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrProcessNotFound   = errors.New("process not found")
	ErrNoChild           = errors.New("no matching child process")
	ErrChildRunning      = errors.New("matching child has not exited")
	ErrProgramNotFound   = errors.New("program not found")
	ErrMultiThreaded     = errors.New("operation requires a single-task process")
	ErrTooManyTasks      = errors.New("too many tasks in process")
	ErrNoTask            = errors.New("no such task")
	ErrTaskRunning       = errors.New("task has not exited")

	// ErrAllTasksCompleted halts the kernel when every task has exited.
	ErrAllTasksCompleted = errors.New("all applications completed")
	// ErrAllTasksBlocked halts the kernel when tasks remain but none can
	// run.
	ErrAllTasksBlocked = errors.New("all remaining tasks are blocked")
)

// TaskStatus is the execution status of a task.
type TaskStatus uint32

const (
	// StatusReady indicates the task can be dispatched.
	StatusReady TaskStatus = iota
	// StatusRunning indicates the task is on the hart.
	StatusRunning
	// StatusBlocked indicates the task waits for a resource.
	StatusBlocked
	// StatusExited indicates the task has finished.
	StatusExited
)

func (s TaskStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusExited:
		return "exited"
	default:
		return fmt.Sprintf("TaskStatus(%d)", uint32(s))
	}
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusReady:
		// dispatch, or torn down with its process
		return next == StatusRunning || next == StatusExited
	case StatusRunning:
		return next == StatusReady || next == StatusBlocked || next == StatusExited
	case StatusBlocked:
		return next == StatusReady || next == StatusExited
	case StatusExited:
		return false
	default:
		panic(fmt.Sprintf("unknown task status %d", uint32(s)))
	}
}

// transition moves *s to next. An illegal move is a kernel bug.
func (s *TaskStatus) transition(next TaskStatus) {
	if !s.CanTransition(next) {
		panic(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, *s, next))
	}
	*s = next
}
