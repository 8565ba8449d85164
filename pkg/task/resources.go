package task

import (
	"fmt"
)

// ResourceKind selects which accounting vectors an operation touches.
type ResourceKind int

const (
	// ResourceMutex covers mutex ids.
	ResourceMutex ResourceKind = iota
	// ResourceSemaphore covers semaphore ids.
	ResourceSemaphore
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceMutex:
		return "mutex"
	case ResourceSemaphore:
		return "semaphore"
	default:
		return fmt.Sprintf("ResourceKind(%d)", int(k))
	}
}

// Mutex is a lock registered with a process.
type Mutex interface {
	Lock()
	Unlock()
	// Available returns 1 if the lock is free and 0 otherwise.
	Available() int
}

// Semaphore is a counting semaphore registered with a process.
type Semaphore interface {
	Up()
	Down()
	// Available returns the number of units that can be taken without
	// blocking.
	Available() int
}

func (in *taskInner) vectors(kind ResourceKind) (alloc, need []int) {
	switch kind {
	case ResourceMutex:
		return in.mutexAlloc, in.mutexNeed
	case ResourceSemaphore:
		return in.semAlloc, in.semNeed
	default:
		panic(fmt.Sprintf("unknown resource kind %d", int(kind)))
	}
}

func (in *taskInner) extend(kind ResourceKind, n int) {
	grow := func(v []int) []int {
		for len(v) < n {
			v = append(v, 0)
		}
		return v
	}
	switch kind {
	case ResourceMutex:
		in.mutexAlloc, in.mutexNeed = grow(in.mutexAlloc), grow(in.mutexNeed)
	case ResourceSemaphore:
		in.semAlloc, in.semNeed = grow(in.semAlloc), grow(in.semNeed)
	}
}

func (t *TaskControlBlock) account(kind ResourceKind, id int, fn func(alloc, need []int)) {
	t.inner.With(func(in *taskInner) {
		alloc, need := in.vectors(kind)
		if id < 0 || id >= len(alloc) {
			panic(fmt.Sprintf("task %d: %s id %d out of range", t.tid, kind, id))
		}
		fn(alloc, need)
	})
}

// RecordNeed notes that the task requests one unit of resource id.
func (t *TaskControlBlock) RecordNeed(kind ResourceKind, id int) {
	t.account(kind, id, func(_, need []int) { need[id]++ })
}

// RecordGrant moves one unit of resource id from needed to allocated.
func (t *TaskControlBlock) RecordGrant(kind ResourceKind, id int) {
	t.account(kind, id, func(alloc, need []int) {
		if need[id] > 0 {
			need[id]--
		}
		alloc[id]++
	})
}

// RecordRelease notes that the task gave back one unit of resource id.
func (t *TaskControlBlock) RecordRelease(kind ResourceKind, id int) {
	t.account(kind, id, func(alloc, _ []int) {
		if alloc[id] > 0 {
			alloc[id]--
		}
	})
}

// Allocation returns copies of the task's alloc and need vectors.
func (t *TaskControlBlock) Allocation(kind ResourceKind) (alloc, need []int) {
	t.inner.With(func(in *taskInner) {
		a, n := in.vectors(kind)
		alloc, need = append([]int(nil), a...), append([]int(nil), n...)
	})
	return alloc, need
}

// ResourceSnapshot is the input of a banker-style deadlock check: one row
// per live task, one column per resource id.
type ResourceSnapshot struct {
	Available []int
	Alloc     [][]int
	Need      [][]int
}

// Safe reports whether every task can finish in some order given the
// available units.
func (s ResourceSnapshot) Safe() bool {
	work := append([]int(nil), s.Available...)
	finished := make([]bool, len(s.Need))
	for progress := true; progress; {
		progress = false
		for i, need := range s.Need {
			if finished[i] || !fits(need, work) {
				continue
			}
			for j := range work {
				work[j] += s.Alloc[i][j]
			}
			finished[i] = true
			progress = true
		}
	}
	for _, f := range finished {
		if !f {
			return false
		}
	}
	return true
}

func fits(need, work []int) bool {
	for j, n := range need {
		if n > work[j] {
			return false
		}
	}
	return true
}

// ResourceSnapshot collects the accounting vectors of every live task of
// the process for the given resource kind.
func (p *ProcessControlBlock) ResourceSnapshot(kind ResourceKind) ResourceSnapshot {
	var snap ResourceSnapshot
	var tasks []*TaskControlBlock
	p.inner.With(func(in *processInner) {
		switch kind {
		case ResourceMutex:
			for _, m := range in.mutexes {
				snap.Available = append(snap.Available, m.Available())
			}
		case ResourceSemaphore:
			for _, s := range in.semaphores {
				snap.Available = append(snap.Available, s.Available())
			}
		}
		tasks = append(tasks, in.tasks...)
	})
	for _, t := range tasks {
		if t.Status() == StatusExited {
			continue
		}
		alloc, need := t.Allocation(kind)
		snap.Alloc = append(snap.Alloc, alloc)
		snap.Need = append(snap.Need, need)
	}
	return snap
}

// AddMutex registers m with the process and returns its id. Every task's
// mutex vectors grow to cover the new id.
func (p *ProcessControlBlock) AddMutex(m Mutex) int {
	return p.addResource(ResourceMutex, func(in *processInner) int {
		in.mutexes = append(in.mutexes, m)
		return len(in.mutexes)
	})
}

// AddSemaphore registers s with the process and returns its id.
func (p *ProcessControlBlock) AddSemaphore(s Semaphore) int {
	return p.addResource(ResourceSemaphore, func(in *processInner) int {
		in.semaphores = append(in.semaphores, s)
		return len(in.semaphores)
	})
}

func (p *ProcessControlBlock) addResource(kind ResourceKind, push func(in *processInner) int) int {
	var n int
	var tasks []*TaskControlBlock
	p.inner.With(func(in *processInner) {
		n = push(in)
		tasks = append(tasks, in.tasks...)
	})
	for _, t := range tasks {
		t.inner.With(func(in *taskInner) { in.extend(kind, n) })
	}
	return n - 1
}

// MutexAt returns the mutex registered under id.
func (p *ProcessControlBlock) MutexAt(id int) (m Mutex, ok bool) {
	p.inner.With(func(in *processInner) {
		if id >= 0 && id < len(in.mutexes) {
			m, ok = in.mutexes[id], true
		}
	})
	return m, ok
}

// SemaphoreAt returns the semaphore registered under id.
func (p *ProcessControlBlock) SemaphoreAt(id int) (s Semaphore, ok bool) {
	p.inner.With(func(in *processInner) {
		if id >= 0 && id < len(in.semaphores) {
			s, ok = in.semaphores[id], true
		}
	})
	return s, ok
}
