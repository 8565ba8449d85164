package ksync

import (
	"fmt"

	"taskos/pkg/cell"
	"taskos/pkg/task"
)

// Semaphore is a counting semaphore. A negative count is the number of
// blocked waiters.
type Semaphore struct {
	k     *task.Kernel
	id    int
	inner *cell.Cell[semInner]
}

type semInner struct {
	count int
	// waiters are blocked tasks in arrival order.
	waiters []*task.TaskControlBlock
}

// NewSemaphore creates a semaphore holding count units and registers it
// with p.
func NewSemaphore(k *task.Kernel, p *task.ProcessControlBlock, count int) *Semaphore {
	s := &Semaphore{k: k}
	s.id = p.AddSemaphore(s)
	s.inner = cell.New(fmt.Sprintf("semaphore %d of pid %d", s.id, p.Pid()), semInner{count: count})
	return s
}

// ID returns the id the semaphore is registered under.
func (s *Semaphore) ID() int { return s.id }

// Up returns one unit. If a task is waiting, the unit goes straight to it.
func (s *Semaphore) Up() {
	s.k.CurrentTask().RecordRelease(task.ResourceSemaphore, s.id)

	in := s.inner.Borrow()
	in.count++
	var next *task.TaskControlBlock
	if in.count <= 0 && len(in.waiters) > 0 {
		next, in.waiters = in.waiters[0], in.waiters[1:]
	}
	s.inner.Release()

	if next != nil {
		next.RecordGrant(task.ResourceSemaphore, s.id)
		s.k.Wakeup(next)
	}
}

// Down takes one unit, blocking the current task if none is available.
func (s *Semaphore) Down() {
	cur := s.k.CurrentTask()
	cur.RecordNeed(task.ResourceSemaphore, s.id)

	in := s.inner.Borrow()
	in.count--
	if in.count >= 0 {
		s.inner.Release()
		cur.RecordGrant(task.ResourceSemaphore, s.id)
		return
	}
	in.waiters = append(in.waiters, cur)
	s.inner.Release()
	s.k.BlockCurrentAndRunNext()
}

// Available returns the number of units that can be taken without blocking.
func (s *Semaphore) Available() int {
	return cell.Get(s.inner, func(in *semInner) int { return max(in.count, 0) })
}

// Count returns the raw count.
func (s *Semaphore) Count() int {
	return cell.Get(s.inner, func(in *semInner) int { return in.count })
}
