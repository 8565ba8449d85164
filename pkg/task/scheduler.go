package task

import (
	"log/slog"
	"slices"

	"taskos/pkg/cell"
	"taskos/pkg/timer"
)

// Scheduler is a cooperative round-robin scheduler over an ordered task
// list. Exactly one task is current once the first task has been started.
type Scheduler struct {
	// inner is the task list and current position.
	inner *cell.Cell[schedInner]
	// switcher performs the register swap.
	switcher Switcher
	// clock stamps the first dispatch of each task.
	clock timer.Clock
	log   *slog.Logger
}

type schedInner struct {
	// tasks holds every task that has not exited, in insertion order.
	tasks []*TaskControlBlock
	// current indexes the running task in tasks.
	current int
	// started is set once RunFirst has dispatched a task.
	started bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(sw Switcher, clock timer.Clock, log *slog.Logger) *Scheduler {
	return &Scheduler{
		inner:    cell.New("scheduler", schedInner{}),
		switcher: sw,
		clock:    clock,
		log:      log,
	}
}

// Add appends a Ready task to the end of the list.
func (s *Scheduler) Add(t *TaskControlBlock) {
	s.inner.With(func(in *schedInner) { in.tasks = append(in.tasks, t) })
}

// Len returns the number of tasks in the list.
func (s *Scheduler) Len() int {
	return cell.Get(s.inner, func(in *schedInner) int { return len(in.tasks) })
}

// Tasks returns a snapshot of the list in scheduling order.
func (s *Scheduler) Tasks() []*TaskControlBlock {
	return cell.Get(s.inner, func(in *schedInner) []*TaskControlBlock {
		return append([]*TaskControlBlock(nil), in.tasks...)
	})
}

// Contains reports whether t is still in the list.
func (s *Scheduler) Contains(t *TaskControlBlock) bool {
	return cell.Get(s.inner, func(in *schedInner) bool { return slices.Contains(in.tasks, t) })
}

// Current returns the running task, or nil before the first task starts
// and after the kernel halts.
func (s *Scheduler) Current() *TaskControlBlock {
	return cell.Get(s.inner, func(in *schedInner) *TaskControlBlock {
		if !in.started {
			return nil
		}
		return in.tasks[in.current]
	})
}

// RunFirst dispatches the first task in the list. It panics if the list is
// empty.
func (s *Scheduler) RunFirst() {
	in := s.inner.Borrow()
	if len(in.tasks) == 0 {
		s.inner.Release()
		panic("scheduler: no task to run")
	}
	next := in.tasks[0]
	next.dispatch(timer.Millis(s.clock))
	in.current, in.started = 0, true
	s.inner.Release()

	var unused TaskContext
	s.switcher.Switch(&unused, next.context())
}

// Suspend marks the current task Ready and runs the next one.
func (s *Scheduler) Suspend() {
	s.setCurrent(StatusReady)
	s.runNext()
}

// Block marks the current task Blocked and runs the next one.
func (s *Scheduler) Block() {
	s.setCurrent(StatusBlocked)
	s.runNext()
}

// Exit marks the current task Exited and runs the next one.
func (s *Scheduler) Exit() {
	s.setCurrent(StatusExited)
	s.runNext()
}

// Wakeup makes a Blocked task Ready again. It keeps its place in the list.
func (s *Scheduler) Wakeup(t *TaskControlBlock) {
	t.setStatus(StatusReady)
}

func (s *Scheduler) setCurrent(status TaskStatus) {
	cur := s.Current()
	if cur == nil {
		panic("scheduler: no current task")
	}
	cur.setStatus(status)
}

// runNext picks the next Ready task after the current one, wrapping around
// and considering the current task last, and switches to it. Exited tasks
// are dropped from the list. With nothing Ready the kernel halts by
// panicking with ErrAllTasksCompleted or ErrAllTasksBlocked.
func (s *Scheduler) runNext() {
	in := s.inner.Borrow()
	n := len(in.tasks)
	pick := -1
	for i := 1; i <= n; i++ {
		id := (in.current + i) % n
		if in.tasks[id].Status() == StatusReady {
			pick = id
			break
		}
	}
	if pick < 0 {
		blocked := slices.ContainsFunc(in.tasks, func(t *TaskControlBlock) bool {
			return t.Status() == StatusBlocked
		})
		in.tasks = slices.DeleteFunc(in.tasks, func(t *TaskControlBlock) bool {
			return t.Status() == StatusExited
		})
		in.started = false
		s.inner.Release()
		if blocked {
			s.log.Warn("halting: every remaining task is blocked")
			panic(ErrAllTasksBlocked)
		}
		s.log.Info("halting: all applications completed")
		panic(ErrAllTasksCompleted)
	}

	cur, next := in.tasks[in.current], in.tasks[pick]
	next.dispatch(timer.Millis(s.clock))
	in.tasks = slices.DeleteFunc(in.tasks, func(t *TaskControlBlock) bool {
		return t.Status() == StatusExited
	})
	in.current = slices.Index(in.tasks, next)
	s.inner.Release()

	s.log.Debug("switch", "from", pidOf(cur), "to", pidOf(next))
	s.switcher.Switch(cur.context(), next.context())
}

func pidOf(t *TaskControlBlock) int {
	if p := t.Process(); p != nil {
		return p.Pid()
	}
	return -1
}
