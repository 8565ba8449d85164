package syscall

import (
	"taskos/pkg/ksync"
)

// SysMutexCreate creates a mutex in the caller's process and returns its
// id. Every mutex blocks; blocking selects nothing.
func (d *Dispatcher) SysMutexCreate(_ bool) int64 {
	return int64(ksync.NewMutex(d.k, d.k.CurrentProcess()).ID())
}

// SysMutexLock locks mutex id, blocking the caller while it is held.
func (d *Dispatcher) SysMutexLock(id int) int64 {
	m, ok := d.k.CurrentProcess().MutexAt(id)
	if !ok {
		return -1
	}
	m.Lock()
	return 0
}

// SysMutexUnlock unlocks mutex id.
func (d *Dispatcher) SysMutexUnlock(id int) int64 {
	m, ok := d.k.CurrentProcess().MutexAt(id)
	if !ok {
		return -1
	}
	m.Unlock()
	return 0
}

// SysSemaphoreCreate creates a semaphore with count units and returns its
// id.
func (d *Dispatcher) SysSemaphoreCreate(count int) int64 {
	return int64(ksync.NewSemaphore(d.k, d.k.CurrentProcess(), count).ID())
}

// SysSemaphoreUp returns a unit to semaphore id.
func (d *Dispatcher) SysSemaphoreUp(id int) int64 {
	s, ok := d.k.CurrentProcess().SemaphoreAt(id)
	if !ok {
		return -1
	}
	s.Up()
	return 0
}

// SysSemaphoreDown takes a unit from semaphore id, blocking if none is left.
func (d *Dispatcher) SysSemaphoreDown(id int) int64 {
	s, ok := d.k.CurrentProcess().SemaphoreAt(id)
	if !ok {
		return -1
	}
	s.Down()
	return 0
}
