// Package ksync provides the kernel's blocking synchronization primitives.
//
// A task that cannot proceed is parked on the primitive's wait queue and
// marked Blocked; the hart moves on to the next Ready task. Ownership is
// handed directly to the first waiter on release, so a woken task never has
// to retry. Every primitive keeps the owning process's need/alloc vectors
// current for deadlock detection.
package ksync

import (
	"fmt"

	"taskos/pkg/cell"
	"taskos/pkg/task"
)

// Mutex is a blocking mutual-exclusion lock.
type Mutex struct {
	k     *task.Kernel
	id    int
	inner *cell.Cell[mutexInner]
}

type mutexInner struct {
	locked bool
	// waiters are blocked tasks in arrival order. Unlock hands the lock to
	// the first one.
	waiters []*task.TaskControlBlock
}

// NewMutex creates an unlocked mutex and registers it with p.
func NewMutex(k *task.Kernel, p *task.ProcessControlBlock) *Mutex {
	m := &Mutex{k: k}
	m.id = p.AddMutex(m)
	m.inner = cell.New(fmt.Sprintf("mutex %d of pid %d", m.id, p.Pid()), mutexInner{})
	return m
}

// ID returns the id the mutex is registered under.
func (m *Mutex) ID() int { return m.id }

// Lock acquires the mutex for the current task, blocking it if the mutex is
// held.
func (m *Mutex) Lock() {
	cur := m.k.CurrentTask()
	cur.RecordNeed(task.ResourceMutex, m.id)

	in := m.inner.Borrow()
	if !in.locked {
		in.locked = true
		m.inner.Release()
		cur.RecordGrant(task.ResourceMutex, m.id)
		return
	}
	in.waiters = append(in.waiters, cur)
	m.inner.Release()
	m.k.BlockCurrentAndRunNext()
}

// Unlock releases the mutex. The first waiter, if any, becomes the owner.
// Unlocking a free mutex does nothing.
func (m *Mutex) Unlock() {
	in := m.inner.Borrow()
	if !in.locked {
		m.inner.Release()
		return
	}
	var next *task.TaskControlBlock
	if len(in.waiters) > 0 {
		next, in.waiters = in.waiters[0], in.waiters[1:]
	} else {
		in.locked = false
	}
	m.inner.Release()

	m.k.CurrentTask().RecordRelease(task.ResourceMutex, m.id)
	if next != nil {
		next.RecordGrant(task.ResourceMutex, m.id)
		m.k.Wakeup(next)
	}
}

// Available returns 1 if the mutex is free.
func (m *Mutex) Available() int {
	return cell.Get(m.inner, func(in *mutexInner) int {
		if in.locked {
			return 0
		}
		return 1
	})
}

// Waiters returns the number of tasks blocked on the mutex.
func (m *Mutex) Waiters() int {
	return cell.Get(m.inner, func(in *mutexInner) int { return len(in.waiters) })
}
