package mm

import (
	"errors"
	"fmt"
	"slices"

	"taskos/pkg/config"
)

// Address space errors.
var (
	ErrAreaOverlap = errors.New("range overlaps a mapped page")
	ErrNotMapped   = errors.New("range contains an unmapped page")
	ErrOutOfRange  = errors.New("range outside user address space")
	ErrNotUser     = errors.New("range contains a kernel-only page")
)

// MapPermission is the subset of PTE flags an area may carry.
type MapPermission uint8

const (
	PermRead  = MapPermission(PTERead)
	PermWrite = MapPermission(PTEWrite)
	PermExec  = MapPermission(PTEExec)
	PermUser  = MapPermission(PTEUser)

	permMask = PermRead | PermWrite | PermExec | PermUser
)

// PermissionFromPort converts the low three bits of an mmap port argument
// (bit0 read, bit1 write, bit2 exec) into an area permission. User access is
// always added.
func PermissionFromPort(port uint64) MapPermission {
	return MapPermission(port&0x7)<<1 | PermUser
}

func (p MapPermission) String() string {
	b := []byte("----")
	if p&PermRead != 0 {
		b[0] = 'R'
	}
	if p&PermWrite != 0 {
		b[1] = 'W'
	}
	if p&PermExec != 0 {
		b[2] = 'X'
	}
	if p&PermUser != 0 {
		b[3] = 'U'
	}
	return string(b)
}

// MapArea is a contiguous range of pages with one permission, backed by
// frames the area owns.
type MapArea struct {
	pages  VPNRange
	frames map[VirtPageNum]PhysPageNum
	perm   MapPermission
}

func newMapArea(pages VPNRange, perm MapPermission) *MapArea {
	return &MapArea{
		pages:  pages,
		frames: make(map[VirtPageNum]PhysPageNum, pages.Len()),
		perm:   perm & permMask,
	}
}

// Pages returns the area's page range.
func (a *MapArea) Pages() VPNRange { return a.pages }

// Perm returns the area's permission.
func (a *MapArea) Perm() MapPermission { return a.perm }

func (a *MapArea) mapOne(pt *PageTable, vpn VirtPageNum) error {
	ppn, err := pt.mem.Alloc()
	if err != nil {
		return err
	}
	if err := pt.Map(vpn, ppn, PTEFlags(a.perm)); err != nil {
		pt.mem.Dealloc(ppn)
		return err
	}
	a.frames[vpn] = ppn
	return nil
}

func (a *MapArea) unmapOne(pt *PageTable, vpn VirtPageNum) {
	ppn, ok := a.frames[vpn]
	if !ok {
		panic(fmt.Sprintf("vpn %#x not owned by area %v", uint64(vpn), a.pages))
	}
	pt.Unmap(vpn)
	pt.mem.Dealloc(ppn)
	delete(a.frames, vpn)
}

// mapRange maps every page in r, undoing its own work on failure.
func (a *MapArea) mapRange(pt *PageTable, r VPNRange) error {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if err := a.mapOne(pt, vpn); err != nil {
			for done := r.Start; done < vpn; done++ {
				a.unmapOne(pt, done)
			}
			return err
		}
	}
	return nil
}

func (a *MapArea) unmapRange(pt *PageTable, r VPNRange) {
	for vpn := r.Start; vpn < r.End; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// split returns the part of a inside r, handing over the frames it owns.
func (a *MapArea) split(r VPNRange) *MapArea {
	out := newMapArea(r, a.perm)
	for vpn := r.Start; vpn < r.End; vpn++ {
		if ppn, ok := a.frames[vpn]; ok {
			out.frames[vpn] = ppn
		}
	}
	return out
}

// MemorySet is a user address space: a page table and the framed areas
// mapped into it.
type MemorySet struct {
	mem   *PhysMem
	pt    *PageTable
	areas []*MapArea
}

// NewBare creates an empty address space.
func NewBare(mem *PhysMem) (*MemorySet, error) {
	pt, err := NewPageTable(mem)
	if err != nil {
		return nil, err
	}
	return &MemorySet{mem: mem, pt: pt}, nil
}

// Token identifies the address space's page table.
func (ms *MemorySet) Token() uint64 {
	return ms.pt.Token()
}

// Translate looks up a page. ok is false when the page is unmapped.
func (ms *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	return ms.pt.Translate(vpn)
}

// Areas returns the page ranges of all areas in insertion order.
func (ms *MemorySet) Areas() []VPNRange {
	out := make([]VPNRange, 0, len(ms.areas))
	for _, a := range ms.areas {
		out = append(out, a.pages)
	}
	return out
}

// MappedPages returns the number of pages mapped by areas.
func (ms *MemorySet) MappedPages() int {
	n := 0
	for _, a := range ms.areas {
		n += len(a.frames)
	}
	return n
}

func checkUserRange(r VPNRange) error {
	if r.End < r.Start || r.End.Addr() > config.Trampoline {
		return ErrOutOfRange
	}
	return nil
}

func (ms *MemorySet) anyMapped(r VPNRange) bool {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if _, ok := ms.pt.Translate(vpn); ok {
			return true
		}
	}
	return false
}

func (ms *MemorySet) allMapped(r VPNRange) bool {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if _, ok := ms.pt.Translate(vpn); !ok {
			return false
		}
	}
	return true
}

func (ms *MemorySet) allUser(r VPNRange) bool {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if pte, ok := ms.pt.Translate(vpn); ok && !pte.User() {
			return false
		}
	}
	return true
}

// push maps area and copies data into it starting at byte offset off of its
// first page.
func (ms *MemorySet) push(area *MapArea, data []byte, off uint64) error {
	if err := checkUserRange(area.pages); err != nil {
		return err
	}
	if ms.anyMapped(area.pages) {
		return ErrAreaOverlap
	}
	if err := area.mapRange(ms.pt, area.pages); err != nil {
		return err
	}
	for vpn := area.pages.Start; vpn < area.pages.End && len(data) > 0; vpn++ {
		frame := ms.mem.Frame(area.frames[vpn])
		n := copy(frame[off:], data)
		data = data[n:]
		off = 0
	}
	ms.areas = append(ms.areas, area)
	return nil
}

// InsertFramedArea maps fresh zeroed frames for every page of
// [floor(start), ceil(end)). It fails without side effects if any page is
// already mapped or memory runs out.
func (ms *MemorySet) InsertFramedArea(start, end VirtAddr, perm MapPermission) error {
	return ms.push(newMapArea(NewVPNRange(start, end), perm), nil, 0)
}

// DeleteFramedArea unmaps and frees every page of [floor(start), ceil(end)).
// Areas only partly covered are split. It fails without side effects if any
// page in range is unmapped or lacks user access.
func (ms *MemorySet) DeleteFramedArea(start, end VirtAddr) error {
	r := NewVPNRange(start, end)
	if err := checkUserRange(r); err != nil {
		return err
	}
	if !ms.allMapped(r) {
		return ErrNotMapped
	}
	if !ms.allUser(r) {
		return ErrNotUser
	}
	kept := make([]*MapArea, 0, len(ms.areas)+1)
	for _, a := range ms.areas {
		cut := a.pages.Intersect(r)
		if cut.Len() == 0 {
			kept = append(kept, a)
			continue
		}
		a.unmapRange(ms.pt, cut)
		left := VPNRange{Start: a.pages.Start, End: cut.Start}
		right := VPNRange{Start: cut.End, End: a.pages.End}
		if left.Len() > 0 {
			kept = append(kept, a.split(left))
		}
		if right.Len() > 0 {
			kept = append(kept, a.split(right))
		}
	}
	ms.areas = kept
	return nil
}

// RemoveAreaWithStart unmaps the area beginning at start, if any.
func (ms *MemorySet) RemoveAreaWithStart(start VirtAddr) {
	vpn := start.Floor()
	i := slices.IndexFunc(ms.areas, func(a *MapArea) bool { return a.pages.Start == vpn })
	if i < 0 {
		return
	}
	a := ms.areas[i]
	a.unmapRange(ms.pt, a.pages)
	ms.areas = slices.Delete(ms.areas, i, i+1)
}

func (ms *MemorySet) areaStartingAt(start VirtAddr) *MapArea {
	vpn := start.Floor()
	for _, a := range ms.areas {
		if a.pages.Start == vpn {
			return a
		}
	}
	return nil
}

// AppendTo grows the area starting at start so that it ends at newEnd. It
// returns false if there is no such area or a new page is already mapped.
func (ms *MemorySet) AppendTo(start, newEnd VirtAddr) bool {
	a := ms.areaStartingAt(start)
	if a == nil {
		return false
	}
	grow := VPNRange{Start: a.pages.End, End: newEnd.Ceil()}
	if checkUserRange(grow) != nil || ms.anyMapped(grow) {
		return false
	}
	if err := a.mapRange(ms.pt, grow); err != nil {
		return false
	}
	a.pages.End = max(a.pages.End, grow.End)
	return true
}

// ShrinkTo cuts the area starting at start back so that it ends at newEnd.
func (ms *MemorySet) ShrinkTo(start, newEnd VirtAddr) bool {
	a := ms.areaStartingAt(start)
	if a == nil {
		return false
	}
	end := max(newEnd.Ceil(), a.pages.Start)
	if end >= a.pages.End {
		return true
	}
	a.unmapRange(ms.pt, VPNRange{Start: end, End: a.pages.End})
	a.pages.End = end
	return true
}

// RecycleDataPages unmaps every area and frees its frames. The page table
// itself survives until Release.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.areas {
		a.unmapRange(ms.pt, a.pages)
	}
	ms.areas = nil
}

// Release frees everything the address space owns.
func (ms *MemorySet) Release() {
	ms.RecycleDataPages()
	ms.pt.release()
}

// FromExistedUser makes a deep copy of src: same areas, fresh frames with
// the same contents.
func FromExistedUser(src *MemorySet) (*MemorySet, error) {
	ms, err := NewBare(src.mem)
	if err != nil {
		return nil, err
	}
	for _, a := range src.areas {
		dup := newMapArea(a.pages, a.perm)
		if err := ms.push(dup, nil, 0); err != nil {
			ms.Release()
			return nil, fmt.Errorf("copy area %v: %w", a.pages, err)
		}
		for vpn, ppn := range a.frames {
			*ms.mem.Frame(dup.frames[vpn]) = *src.mem.Frame(ppn)
		}
	}
	return ms, nil
}
