package mm

import (
	"fmt"

	"taskos/pkg/config"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtAddr is a user virtual address.
type VirtAddr uint64

// PhysPageNum is a physical page number.
type PhysPageNum uint64

// VirtPageNum is a virtual page number.
type VirtPageNum uint64

const (
	pageMask    = config.PageSize - 1
	levelBits   = 9
	levelMask   = 1<<levelBits - 1
	ptesPerPage = 1 << levelBits
)

// Floor returns the page containing va.
func (va VirtAddr) Floor() VirtPageNum {
	return VirtPageNum(va >> config.PageSizeBits)
}

// Ceil returns the first page at or after va.
func (va VirtAddr) Ceil() VirtPageNum {
	return VirtPageNum((va + pageMask) >> config.PageSizeBits)
}

// PageOffset returns the offset of va within its page.
func (va VirtAddr) PageOffset() uint64 {
	return uint64(va) & pageMask
}

// Aligned reports whether va is on a page boundary.
func (va VirtAddr) Aligned() bool {
	return va.PageOffset() == 0
}

func (va VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(va))
}

// Addr returns the first address of the page.
func (vpn VirtPageNum) Addr() VirtAddr {
	return VirtAddr(vpn << config.PageSizeBits)
}

// indexes splits vpn into its three SV39 table indexes, root first.
func (vpn VirtPageNum) indexes() [3]int {
	var idx [3]int
	v := uint64(vpn)
	for i := 2; i >= 0; i-- {
		idx[i] = int(v & levelMask)
		v >>= levelBits
	}
	return idx
}

// Addr returns the first address of the frame.
func (ppn PhysPageNum) Addr() PhysAddr {
	return PhysAddr(ppn << config.PageSizeBits)
}

// Floor returns the frame containing pa.
func (pa PhysAddr) Floor() PhysPageNum {
	return PhysPageNum(pa >> config.PageSizeBits)
}

// PageOffset returns the offset of pa within its frame.
func (pa PhysAddr) PageOffset() uint64 {
	return uint64(pa) & pageMask
}

// VPNRange is the half-open page range [Start, End).
type VPNRange struct {
	Start VirtPageNum
	End   VirtPageNum
}

// NewVPNRange returns the pages covering [start, end).
func NewVPNRange(start, end VirtAddr) VPNRange {
	return VPNRange{Start: start.Floor(), End: end.Ceil()}
}

// Len returns the number of pages in the range.
func (r VPNRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains reports whether vpn is in the range.
func (r VPNRange) Contains(vpn VirtPageNum) bool {
	return vpn >= r.Start && vpn < r.End
}

// Intersect returns the overlap of r and o, which may be empty.
func (r VPNRange) Intersect(o VPNRange) VPNRange {
	out := VPNRange{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func (r VPNRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
