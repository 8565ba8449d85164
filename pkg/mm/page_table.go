package mm

import (
	"fmt"
)

// PTEFlags are the low bits of a page-table entry.
type PTEFlags uint8

const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

// PageTableEntry is an SV39 page-table entry: PPN in bits 10..53, flags in
// bits 0..7.
type PageTableEntry uint64

const ppnMask = 1<<44 - 1

// NewPTE builds an entry mapping ppn with flags.
func NewPTE(ppn PhysPageNum, flags PTEFlags) PageTableEntry {
	return PageTableEntry(uint64(ppn)<<10 | uint64(flags))
}

// PPN returns the frame the entry points at.
func (e PageTableEntry) PPN() PhysPageNum {
	return PhysPageNum(uint64(e) >> 10 & ppnMask)
}

// Flags returns the entry's flag bits.
func (e PageTableEntry) Flags() PTEFlags {
	return PTEFlags(e & 0xff)
}

// IsValid reports whether the V bit is set.
func (e PageTableEntry) IsValid() bool { return e.Flags()&PTEValid != 0 }

// Readable reports whether the R bit is set.
func (e PageTableEntry) Readable() bool { return e.Flags()&PTERead != 0 }

// Writable reports whether the W bit is set.
func (e PageTableEntry) Writable() bool { return e.Flags()&PTEWrite != 0 }

// Executable reports whether the X bit is set.
func (e PageTableEntry) Executable() bool { return e.Flags()&PTEExec != 0 }

// User reports whether the U bit is set.
func (e PageTableEntry) User() bool { return e.Flags()&PTEUser != 0 }

// satpModeSV39 is the MODE field of satp for SV39 translation.
const satpModeSV39 = 8 << 60

// PageTable is a three-level SV39 table whose nodes live in physical frames.
type PageTable struct {
	mem   *PhysMem
	root  PhysPageNum
	nodes []PhysPageNum
}

// NewPageTable allocates an empty table.
func NewPageTable(mem *PhysMem) (*PageTable, error) {
	root, err := mem.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTable{mem: mem, root: root, nodes: []PhysPageNum{root}}, nil
}

// FromToken returns a read-only handle on the table identified by token. It
// owns no frames and must not be used to map.
func FromToken(mem *PhysMem, token uint64) *PageTable {
	return &PageTable{mem: mem, root: PhysPageNum(token & ppnMask)}
}

// Token returns the satp value selecting this table.
func (pt *PageTable) Token() uint64 {
	return satpModeSV39 | uint64(pt.root)
}

func (pt *PageTable) findPTECreate(vpn VirtPageNum) (*PageTableEntry, error) {
	idx := vpn.indexes()
	ppn := pt.root
	for i, id := range idx {
		pte := &pt.mem.ptes(ppn)[id]
		if i == len(idx)-1 {
			return pte, nil
		}
		if !pte.IsValid() {
			node, err := pt.mem.Alloc()
			if err != nil {
				return nil, err
			}
			pt.nodes = append(pt.nodes, node)
			*pte = NewPTE(node, PTEValid)
		}
		ppn = pte.PPN()
	}
	return nil, nil
}

func (pt *PageTable) findPTE(vpn VirtPageNum) *PageTableEntry {
	idx := vpn.indexes()
	ppn := pt.root
	for i, id := range idx {
		pte := &pt.mem.ptes(ppn)[id]
		if i == len(idx)-1 {
			return pte
		}
		if !pte.IsValid() {
			return nil
		}
		ppn = pte.PPN()
	}
	return nil
}

// Map installs vpn -> ppn. Mapping a page twice is a kernel bug and panics.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) error {
	pte, err := pt.findPTECreate(vpn)
	if err != nil {
		return err
	}
	if pte.IsValid() {
		panic(fmt.Sprintf("vpn %#x is mapped before mapping", uint64(vpn)))
	}
	*pte = NewPTE(ppn, flags|PTEValid)
	return nil
}

// Unmap clears the entry for vpn. Unmapping an absent page panics.
func (pt *PageTable) Unmap(vpn VirtPageNum) {
	pte := pt.findPTE(vpn)
	if pte == nil || !pte.IsValid() {
		panic(fmt.Sprintf("vpn %#x is invalid before unmapping", uint64(vpn)))
	}
	*pte = 0
}

// Translate looks up vpn. ok is false when the page is absent or invalid.
func (pt *PageTable) Translate(vpn VirtPageNum) (pte PageTableEntry, ok bool) {
	p := pt.findPTE(vpn)
	if p == nil || !p.IsValid() {
		return 0, false
	}
	return *p, true
}

// TranslateVA resolves a virtual address to a physical one.
func (pt *PageTable) TranslateVA(va VirtAddr) (PhysAddr, bool) {
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return pte.PPN().Addr() + PhysAddr(va.PageOffset()), true
}

// release frees the table's node frames.
func (pt *PageTable) release() {
	for _, ppn := range pt.nodes {
		pt.mem.Dealloc(ppn)
	}
	pt.nodes = nil
}
