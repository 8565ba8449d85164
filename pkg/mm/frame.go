package mm

import (
	"errors"
	"fmt"
	"slices"
	"unsafe"

	"taskos/pkg/cell"
	"taskos/pkg/config"
)

// Frame allocation errors.
var (
	ErrOutOfFrames = errors.New("out of physical frames")
)

// Frame is one page of physical memory.
type Frame [config.PageSize]byte

// PhysMem is the simulated physical memory together with its frame
// allocator. Frames are numbered from config.MemoryStart.
type PhysMem struct {
	base   PhysPageNum
	frames []Frame
	alloc  *cell.Cell[stackFrameAllocator]
}

// stackFrameAllocator hands out never-used frames from [current, end) and
// reuses freed ones first.
type stackFrameAllocator struct {
	current  PhysPageNum
	end      PhysPageNum
	recycled []PhysPageNum
}

// NewPhysMem creates a physical memory of n frames, all free.
func NewPhysMem(n int) *PhysMem {
	base := PhysAddr(config.MemoryStart).Floor()
	return &PhysMem{
		base:   base,
		frames: make([]Frame, n),
		alloc: cell.New("frame allocator", stackFrameAllocator{
			current: base,
			end:     base + PhysPageNum(n),
		}),
	}
}

// Alloc returns a zeroed frame.
func (m *PhysMem) Alloc() (PhysPageNum, error) {
	ppn := cell.Get(m.alloc, func(a *stackFrameAllocator) PhysPageNum {
		if n := len(a.recycled); n > 0 {
			ppn := a.recycled[n-1]
			a.recycled = a.recycled[:n-1]
			return ppn
		}
		if a.current == a.end {
			return 0
		}
		a.current++
		return a.current - 1
	})
	// base is far above zero, so zero never names a real frame
	if ppn == 0 {
		return 0, ErrOutOfFrames
	}
	*m.Frame(ppn) = Frame{}
	return ppn, nil
}

// Dealloc returns a frame to the allocator. Freeing a frame that is not
// allocated is a kernel bug and panics.
func (m *PhysMem) Dealloc(ppn PhysPageNum) {
	m.alloc.With(func(a *stackFrameAllocator) {
		if ppn < m.base || ppn >= a.current || slices.Contains(a.recycled, ppn) {
			panic(fmt.Sprintf("frame ppn=%#x has not been allocated", uint64(ppn)))
		}
		a.recycled = append(a.recycled, ppn)
	})
}

// FreeFrames returns how many frames can still be allocated.
func (m *PhysMem) FreeFrames() int {
	return cell.Get(m.alloc, func(a *stackFrameAllocator) int {
		return int(a.end-a.current) + len(a.recycled)
	})
}

// Frame returns the memory of ppn.
func (m *PhysMem) Frame(ppn PhysPageNum) *Frame {
	if ppn < m.base || int(ppn-m.base) >= len(m.frames) {
		panic(fmt.Sprintf("ppn %#x outside physical memory", uint64(ppn)))
	}
	return &m.frames[ppn-m.base]
}

// ptes views a frame as a page-table node.
func (m *PhysMem) ptes(ppn PhysPageNum) *[ptesPerPage]PageTableEntry {
	return (*[ptesPerPage]PageTableEntry)(unsafe.Pointer(m.Frame(ppn)))
}

// View returns a T that lives in place at physical address pa. The caller
// guarantees that T fits in the frame and is suitably aligned.
func View[T any](m *PhysMem, pa PhysAddr) *T {
	f := m.Frame(pa.Floor())
	return (*T)(unsafe.Pointer(&f[pa.PageOffset()]))
}
