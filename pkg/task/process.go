package task

import (
	"errors"
	"fmt"
	"weak"

	"taskos/pkg/cell"
	"taskos/pkg/mm"
)

// Address-space operation errors.
var (
	ErrUnaligned   = errors.New("address is not page aligned")
	ErrBadPort     = errors.New("invalid protection bits")
	ErrHeapRange   = errors.New("range overlaps the heap")
	ErrRangeTooBig = errors.New("range exceeds user space")
	ErrBadBreak    = errors.New("program break out of range")
)

// ProcessControlBlock is a process: an address space plus the tasks that
// run in it.
type ProcessControlBlock struct {
	pid   int
	inner *cell.Cell[processInner]
}

type processInner struct {
	// zombie is set when the main task exits.
	zombie bool
	// memorySet is the process address space.
	memorySet *mm.MemorySet
	// parent is weak; the parent owns the child through children.
	parent weak.Pointer[ProcessControlBlock]
	// children holds live and zombie children until they are reaped.
	children []*ProcessControlBlock
	exitCode int32
	// tasks lists the tasks in creation order, main task first. Exited
	// tasks stay until waittid.
	tasks []*TaskControlBlock
	tids  RecycleAllocator

	// mutexes and semaphores are indexed by the ids the create calls return.
	mutexes    []Mutex
	semaphores []Semaphore

	// heapBottom is where the heap area starts; programBrk is its end.
	heapBottom uint64
	programBrk uint64
}

func newProcessControlBlock(pid int, ms *mm.MemorySet, heapBottom uint64) *ProcessControlBlock {
	return &ProcessControlBlock{
		pid: pid,
		inner: cell.New(fmt.Sprintf("process %d", pid), processInner{
			memorySet:  ms,
			heapBottom: heapBottom,
			programBrk: heapBottom,
		}),
	}
}

// initHeap maps the empty heap area of a fresh address space and returns
// its bottom.
func initHeap(ms *mm.MemorySet, ustackBase uint64) (uint64, error) {
	bottom := heapBottomFor(ustackBase)
	if err := ms.InsertFramedArea(mm.VirtAddr(bottom), mm.VirtAddr(bottom),
		mm.PermRead|mm.PermWrite|mm.PermUser); err != nil {
		return 0, fmt.Errorf("map heap: %w", err)
	}
	return bottom, nil
}

// Pid returns the process id.
func (p *ProcessControlBlock) Pid() int { return p.pid }

// Token returns the page table token of the process address space.
func (p *ProcessControlBlock) Token() uint64 {
	return cell.Get(p.inner, func(in *processInner) uint64 { return in.memorySet.Token() })
}

// IsZombie reports whether the process has exited and awaits reaping.
func (p *ProcessControlBlock) IsZombie() bool {
	return cell.Get(p.inner, func(in *processInner) bool { return in.zombie })
}

// ExitCode returns the code the process exited with.
func (p *ProcessControlBlock) ExitCode() int32 {
	return cell.Get(p.inner, func(in *processInner) int32 { return in.exitCode })
}

// Parent returns the parent process, or nil for a root process or one
// whose parent has been reclaimed.
func (p *ProcessControlBlock) Parent() *ProcessControlBlock {
	return cell.Get(p.inner, func(in *processInner) *ProcessControlBlock { return in.parent.Value() })
}

// Children returns a snapshot of the child list.
func (p *ProcessControlBlock) Children() []*ProcessControlBlock {
	return cell.Get(p.inner, func(in *processInner) []*ProcessControlBlock {
		return append([]*ProcessControlBlock(nil), in.children...)
	})
}

// Tasks returns a snapshot of the task list.
func (p *ProcessControlBlock) Tasks() []*TaskControlBlock {
	return cell.Get(p.inner, func(in *processInner) []*TaskControlBlock {
		return append([]*TaskControlBlock(nil), in.tasks...)
	})
}

// MainTask returns task 0, or nil if the process has none.
func (p *ProcessControlBlock) MainTask() *TaskControlBlock {
	return cell.Get(p.inner, func(in *processInner) *TaskControlBlock {
		if len(in.tasks) == 0 {
			return nil
		}
		return in.tasks[0]
	})
}

// ProgramBreak returns the current heap end.
func (p *ProcessControlBlock) ProgramBreak() uint64 {
	return cell.Get(p.inner, func(in *processInner) uint64 { return in.programBrk })
}

// HeapBottom returns the lowest heap address.
func (p *ProcessControlBlock) HeapBottom() uint64 {
	return cell.Get(p.inner, func(in *processInner) uint64 { return in.heapBottom })
}

// MappedPages returns the number of user pages currently mapped.
func (p *ProcessControlBlock) MappedPages() int {
	return cell.Get(p.inner, func(in *processInner) int { return in.memorySet.MappedPages() })
}

// Translate looks up a page of the process address space.
func (p *ProcessControlBlock) Translate(vpn mm.VirtPageNum) (pte mm.PageTableEntry, ok bool) {
	p.inner.With(func(in *processInner) { pte, ok = in.memorySet.Translate(vpn) })
	return pte, ok
}

// userRange validates a user-supplied [start, start+length) range for mmap
// and munmap. The range must end below every trap context page.
func userRange(start, length uint64) (mm.VirtAddr, mm.VirtAddr, error) {
	if !mm.VirtAddr(start).Aligned() {
		return 0, 0, ErrUnaligned
	}
	end := start + length
	if end < start || end > userCeiling {
		return 0, 0, ErrRangeTooBig
	}
	return mm.VirtAddr(start), mm.VirtAddr(end), nil
}

// Mmap maps fresh zeroed pages covering [start, start+length) with the
// permissions in port (bit 0 read, bit 1 write, bit 2 exec). Nothing is
// mapped if any page in range is already mapped. A zero length maps nothing
// and succeeds.
func (p *ProcessControlBlock) Mmap(start, length, port uint64) error {
	if port&^7 != 0 || port&7 == 0 {
		return ErrBadPort
	}
	s, e, err := userRange(start, length)
	if err != nil || s == e {
		return err
	}
	var perr error
	p.inner.With(func(in *processInner) {
		perr = in.memorySet.InsertFramedArea(s, e, mm.PermissionFromPort(port))
	})
	return perr
}

// Munmap unmaps every page covering [start, start+length). Nothing is
// unmapped if any page in range is not mapped. Heap pages belong to sbrk and
// are refused.
func (p *ProcessControlBlock) Munmap(start, length uint64) error {
	s, e, err := userRange(start, length)
	if err != nil || s == e {
		return err
	}
	var perr error
	p.inner.With(func(in *processInner) {
		heap := mm.NewVPNRange(mm.VirtAddr(in.heapBottom), mm.VirtAddr(in.programBrk))
		if heap.Intersect(mm.NewVPNRange(s, e)).Len() > 0 {
			perr = ErrHeapRange
			return
		}
		perr = in.memorySet.DeleteFramedArea(s, e)
	})
	return perr
}

// ChangeProgramBrk moves the heap end by delta bytes and returns the old
// end.
func (p *ProcessControlBlock) ChangeProgramBrk(delta int64) (uint64, error) {
	var (
		old uint64
		err error
	)
	p.inner.With(func(in *processInner) {
		old = in.programBrk
		next := int64(old) + delta
		if next < int64(in.heapBottom) {
			err = ErrBadBreak
			return
		}
		bottom, newBrk := mm.VirtAddr(in.heapBottom), mm.VirtAddr(next)
		var ok bool
		if delta < 0 {
			ok = in.memorySet.ShrinkTo(bottom, newBrk)
		} else {
			ok = in.memorySet.AppendTo(bottom, newBrk)
		}
		if !ok {
			err = ErrBadBreak
			return
		}
		in.programBrk = uint64(next)
	})
	return old, err
}
