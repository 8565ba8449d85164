// Package trap defines the user register snapshot saved on kernel entry.
package trap

// Register numbers used by the syscall convention.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// sstatusSPPUser clears SPP so that sret lands in user mode.
const sstatusSPPUser = 0

// Context is the user-mode register file captured on trap entry. It lives in
// a physical frame of its task for the task's whole lifetime.
type Context struct {
	// X holds general registers x0..x31.
	X [32]uint64
	// Sstatus is the saved supervisor status.
	Sstatus uint64
	// Sepc is the user program counter to resume at.
	Sepc uint64
	// KernelSatp is the kernel page table token.
	KernelSatp uint64
	// KernelSp is the top of the task's kernel stack.
	KernelSp uint64
	// TrapHandler is the kernel trap handler address.
	TrapHandler uint64
}

// SetSP sets the user stack pointer.
func (c *Context) SetSP(sp uint64) {
	c.X[RegSP] = sp
}

// SyscallArgs returns the syscall id and its first three arguments.
func (c *Context) SyscallArgs() (id uint64, args [3]uint64) {
	return c.X[RegA7], [3]uint64{c.X[RegA0], c.X[RegA1], c.X[RegA2]}
}

// SetReturn stores a syscall result in a0.
func (c *Context) SetReturn(v int64) {
	c.X[RegA0] = uint64(v)
}

// Return reads a0 as a signed syscall result.
func (c *Context) Return() int64 {
	return int64(c.X[RegA0])
}

// InitApp resets c for a fresh user program starting at entry with stack
// pointer sp.
func (c *Context) InitApp(entry, sp, kernelSatp, kernelSp, trapHandler uint64) {
	*c = Context{
		Sstatus:     sstatusSPPUser,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	c.SetSP(sp)
}
