package hart

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"taskos/pkg/mm"
	"taskos/pkg/syscall"
	"taskos/pkg/task"
	"taskos/pkg/trap"
)

// Run errors.
var (
	ErrStepLimit = errors.New("instruction limit reached")
	ErrStopped   = errors.New("stopped by step hook")
)

// Exit codes the kernel assigns to tasks killed by a fault.
const (
	ExitPageFault   = -2
	ExitIllegalInst = -3
)

// SliceHook runs whenever a different task is about to execute. Returning
// an error stops the hart.
type SliceHook func(pid, tid int) error

// Hart executes user tasks one instruction at a time.
type Hart struct {
	k        *task.Kernel
	sys      *syscall.Dispatcher
	log      *slog.Logger
	maxSteps int
	hook     SliceHook
	steps    int
}

// Option configures a Hart.
type Option func(*Hart)

// WithMaxSteps bounds the number of instructions Run executes. Zero means
// no bound.
func WithMaxSteps(n int) Option {
	return func(h *Hart) { h.maxSteps = n }
}

// WithSliceHook installs a hook called at every task switch.
func WithSliceHook(fn SliceHook) Option {
	return func(h *Hart) { h.hook = fn }
}

// New creates a hart running the tasks of k.
func New(k *task.Kernel, opts ...Option) *Hart {
	h := &Hart{
		k:   k,
		sys: syscall.New(k),
		log: k.Logger().With("component", "hart"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Steps returns the number of instructions executed so far.
func (h *Hart) Steps() int { return h.steps }

// Run executes user code until the kernel halts. It returns
// task.ErrAllTasksCompleted when every task has exited and
// task.ErrAllTasksBlocked when the remaining tasks deadlocked.
func (h *Hart) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !(errors.Is(e, task.ErrAllTasksCompleted) || errors.Is(e, task.ErrAllTasksBlocked)) {
				panic(r)
			}
			err = e
		}
	}()

	if h.k.TryCurrentTask() == nil {
		h.k.RunFirstTask()
	}
	var last *task.TaskControlBlock
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := h.k.CurrentTask()
		if cur != last {
			last = cur
			if h.hook != nil {
				if err := h.hook(cur.Process().Pid(), cur.Tid()); err != nil {
					return errors.Join(ErrStopped, err)
				}
			}
		}
		if h.maxSteps > 0 && h.steps >= h.maxSteps {
			return ErrStepLimit
		}
		h.steps++
		h.step(cur)
	}
}

// step executes one instruction of cur.
func (h *Hart) step(cur *task.TaskControlBlock) {
	mem := h.k.Mem()
	token := h.k.CurrentUserToken()
	cx := cur.TrapCx()
	pc := cx.Sepc

	var raw [InstSize]byte
	if err := mm.ReadUser(mem, token, pc, raw[:], mm.PTEExec); err != nil {
		h.fault(cx, "fetch", pc, err)
		return
	}
	inst := Decode(raw[:])
	x := &cx.X
	next := pc + InstSize
	addr := x[inst.Rs1] + uint64(int64(inst.Imm))

	switch inst.Op {
	case OpLi:
		x[inst.Rd] = uint64(int64(inst.Imm))
	case OpLa:
		x[inst.Rd] = pc + uint64(int64(inst.Imm))
	case OpMv:
		x[inst.Rd] = x[inst.Rs1]
	case OpAddi:
		x[inst.Rd] = addr
	case OpAdd:
		x[inst.Rd] = x[inst.Rs1] + x[inst.Rs2]
	case OpLd, OpLw:
		var buf [8]byte
		n := 8
		if inst.Op == OpLw {
			n = 4
		}
		if err := mm.ReadUser(mem, token, addr, buf[:n], mm.PTERead); err != nil {
			h.fault(cx, "load", addr, err)
			return
		}
		if inst.Op == OpLw {
			x[inst.Rd] = uint64(int64(int32(binary.LittleEndian.Uint32(buf[:4]))))
		} else {
			x[inst.Rd] = binary.LittleEndian.Uint64(buf[:])
		}
	case OpSd, OpSw:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], x[inst.Rs2])
		n := 8
		if inst.Op == OpSw {
			n = 4
		}
		if err := mm.WriteUser(mem, token, addr, buf[:n]); err != nil {
			h.fault(cx, "store", addr, err)
			return
		}
	case OpBeqz, OpBnez, OpBltz:
		v := int64(x[inst.Rs1])
		if (inst.Op == OpBeqz && v == 0) || (inst.Op == OpBnez && v != 0) || (inst.Op == OpBltz && v < 0) {
			next = pc + uint64(int64(inst.Imm))
		}
	case OpJ:
		next = pc + uint64(int64(inst.Imm))
	case OpEcall:
		cx.Sepc = next
		h.ecall(cur, cx)
		return
	default:
		h.log.Warn("illegal instruction", "pc", pc, "inst", inst.String())
		h.k.ExitCurrentAndRunNext(ExitIllegalInst)
		return
	}
	x[0] = 0
	cx.Sepc = next
}

// ecall dispatches a syscall and stores its result in the caller's trap
// context. A caller that exited gets nothing; one that exec'd gets the
// result in its new context.
func (h *Hart) ecall(cur *task.TaskControlBlock, cx *trap.Context) {
	id, args := cx.SyscallArgs()
	ret := h.sys.Syscall(id, args)
	if cur.Status() == task.StatusExited || !cur.HasTrapCx() {
		return
	}
	cur.TrapCx().SetReturn(ret)
}

func (h *Hart) fault(cx *trap.Context, kind string, addr uint64, err error) {
	h.log.Warn("page fault", "kind", kind, "addr", addr, "sepc", cx.Sepc, "error", err)
	h.k.ExitCurrentAndRunNext(ExitPageFault)
}
