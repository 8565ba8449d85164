package task

import (
	"taskos/pkg/config"
)

// TaskContext is the kernel-mode register state saved across a cooperative
// switch: return address, stack pointer and callee-saved s0..s11.
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// GotoTrapReturn returns a context that, once switched to, resumes at the
// trap-return path on the given kernel stack.
func GotoTrapReturn(kstackTop uint64) TaskContext {
	return TaskContext{Ra: config.TrapReturn, Sp: kstackTop}
}

// Switcher performs the low-level swap: it saves the hart's live kernel
// registers into current and loads next. Control then continues wherever
// next last switched out.
type Switcher interface {
	Switch(current, next *TaskContext)
}

// RegisterFile is the default Switcher. It keeps the hart's live kernel
// registers.
type RegisterFile struct {
	live     TaskContext
	switches int
}

// Switch implements Switcher.
func (r *RegisterFile) Switch(current, next *TaskContext) {
	*current = r.live
	r.live = *next
	r.switches++
}

// Live returns the registers the hart is running with.
func (r *RegisterFile) Live() TaskContext {
	return r.live
}

// Switches returns how many switches have happened.
func (r *RegisterFile) Switches() int {
	return r.switches
}
