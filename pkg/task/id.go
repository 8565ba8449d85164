package task

import (
	"fmt"
	"slices"

	"taskos/pkg/config"
	"taskos/pkg/mm"
)

// RecycleAllocator hands out small integer ids, reusing released ones first.
type RecycleAllocator struct {
	current  int
	recycled []int
}

// Alloc returns an unused id.
func (a *RecycleAllocator) Alloc() int {
	if n := len(a.recycled); n > 0 {
		id := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return id
	}
	id := a.current
	a.current++
	return id
}

// Dealloc returns id to the allocator. Releasing an id twice, or one that
// was never handed out, panics.
func (a *RecycleAllocator) Dealloc(id int) {
	if id < 0 || id >= a.current {
		panic(fmt.Sprintf("id %d was never allocated", id))
	}
	if slices.Contains(a.recycled, id) {
		panic(fmt.Sprintf("id %d released twice", id))
	}
	a.recycled = append(a.recycled, id)
}

// InUse returns the number of ids currently handed out.
func (a *RecycleAllocator) InUse() int {
	return a.current - len(a.recycled)
}

// KernelStack identifies a task's kernel stack slot.
type KernelStack struct {
	id int
}

// ID returns the stack slot.
func (s KernelStack) ID() int { return s.id }

// Top returns the address just above the stack. Slots are separated by a
// guard page below the trampoline.
func (s KernelStack) Top() uint64 {
	return config.Trampoline - uint64(s.id)*(config.KernelStackSize+config.PageSize)
}

// Bottom returns the lowest address of the stack.
func (s KernelStack) Bottom() uint64 {
	return s.Top() - config.KernelStackSize
}

// userRes is the per-task slice of a process address space: a user stack
// and a trap context page, both keyed by tid.
type userRes struct {
	tid        int
	ustackBase uint64
}

func ustackBottom(ustackBase uint64, tid int) uint64 {
	return ustackBase + uint64(tid)*(config.PageSize+config.UserStackSize)
}

// heapBottomFor returns the lowest heap address for a process whose user
// stacks start at ustackBase. All stack slots and a guard page sit below it.
func heapBottomFor(ustackBase uint64) uint64 {
	return ustackBottom(ustackBase, config.MaxTasksPerProcess)
}

func (r *userRes) ustackBottom() uint64 {
	return ustackBottom(r.ustackBase, r.tid)
}

func (r *userRes) ustackTop() uint64 {
	return r.ustackBottom() + config.UserStackSize
}

// userCeiling is the bottom of the lowest trap context page a task of the
// process can occupy. mmap and munmap ranges end at or below it.
const userCeiling = config.TrapContextBase - (config.MaxTasksPerProcess-1)*config.PageSize

func (r *userRes) trapCxVA() uint64 {
	return config.TrapContextBase - uint64(r.tid)*config.PageSize
}

// alloc maps the user stack and trap context page into ms.
func (r *userRes) alloc(ms *mm.MemorySet) error {
	if err := ms.InsertFramedArea(mm.VirtAddr(r.ustackBottom()), mm.VirtAddr(r.ustackTop()),
		mm.PermRead|mm.PermWrite|mm.PermUser); err != nil {
		return fmt.Errorf("map user stack of tid %d: %w", r.tid, err)
	}
	if err := ms.InsertFramedArea(mm.VirtAddr(r.trapCxVA()), mm.VirtAddr(r.trapCxVA()+config.PageSize),
		mm.PermRead|mm.PermWrite); err != nil {
		ms.RemoveAreaWithStart(mm.VirtAddr(r.ustackBottom()))
		return fmt.Errorf("map trap context of tid %d: %w", r.tid, err)
	}
	return nil
}

// dealloc unmaps what alloc mapped.
func (r *userRes) dealloc(ms *mm.MemorySet) {
	ms.RemoveAreaWithStart(mm.VirtAddr(r.ustackBottom()))
	ms.RemoveAreaWithStart(mm.VirtAddr(r.trapCxVA()))
}

// trapCxPPN returns the frame backing the trap context page in ms.
func (r *userRes) trapCxPPN(ms *mm.MemorySet) mm.PhysPageNum {
	pte, ok := ms.Translate(mm.VirtAddr(r.trapCxVA()).Floor())
	if !ok {
		panic(fmt.Sprintf("trap context of tid %d is not mapped", r.tid))
	}
	return pte.PPN()
}
