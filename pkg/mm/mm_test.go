package mm

import (
	"bytes"
	"errors"
	"testing"

	"taskos/pkg/config"
	"taskos/pkg/loader"
)

func newSpace(t *testing.T, frames int) (*PhysMem, *MemorySet) {
	t.Helper()
	mem := NewPhysMem(frames)
	ms, err := NewBare(mem)
	if err != nil {
		t.Fatalf("NewBare() error = %v", err)
	}
	return mem, ms
}

// snapshot records every valid PTE in [0, limit) pages.
func snapshot(ms *MemorySet, limit VirtPageNum) map[VirtPageNum]PageTableEntry {
	out := make(map[VirtPageNum]PageTableEntry)
	for vpn := VirtPageNum(0); vpn < limit; vpn++ {
		if pte, ok := ms.Translate(vpn); ok {
			out[vpn] = pte
		}
	}
	return out
}

func sameMappings(a, b map[VirtPageNum]PageTableEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// TestAddressRounding tests floor, ceil and index splitting.
func TestAddressRounding(t *testing.T) {
	va := VirtAddr(0x1234)
	if va.Floor() != 1 || va.Ceil() != 2 || va.PageOffset() != 0x234 {
		t.Errorf("floor/ceil/offset = %d/%d/%#x", va.Floor(), va.Ceil(), va.PageOffset())
	}
	if VirtAddr(0x2000).Ceil() != 2 || !VirtAddr(0x2000).Aligned() {
		t.Error("aligned address should round to itself")
	}
	vpn := VirtPageNum(3<<18 | 5<<9 | 7)
	if idx := vpn.indexes(); idx != [3]int{3, 5, 7} {
		t.Errorf("indexes() = %v", idx)
	}
	r := VPNRange{Start: 2, End: 6}.Intersect(VPNRange{Start: 4, End: 9})
	if r.Start != 4 || r.End != 6 {
		t.Errorf("Intersect() = %v", r)
	}
	if (VPNRange{Start: 2, End: 3}).Intersect(VPNRange{Start: 5, End: 6}).Len() != 0 {
		t.Error("disjoint ranges should not intersect")
	}
}

// TestPageTableEntry tests PTE packing.
func TestPageTableEntry(t *testing.T) {
	pte := NewPTE(0x80123, PTEValid|PTERead|PTEUser)
	if pte.PPN() != 0x80123 {
		t.Errorf("PPN() = %#x", pte.PPN())
	}
	if !pte.IsValid() || !pte.Readable() || !pte.User() || pte.Writable() || pte.Executable() {
		t.Errorf("Flags() = %08b", pte.Flags())
	}
}

// TestFrameAllocator tests allocation, reuse and exhaustion.
func TestFrameAllocator(t *testing.T) {
	mem := NewPhysMem(2)
	a, err := mem.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	mem.Frame(a)[0] = 0xff
	b, err := mem.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Alloc(); !errors.Is(err, ErrOutOfFrames) {
		t.Errorf("Alloc() on empty memory error = %v, want ErrOutOfFrames", err)
	}
	mem.Dealloc(a)
	c, err := mem.Alloc()
	if err != nil || c != a {
		t.Fatalf("Alloc() = %#x, %v; want recycled %#x", c, err, a)
	}
	if mem.Frame(c)[0] != 0 {
		t.Error("recycled frame not zeroed")
	}
	mem.Dealloc(b)
	if mem.FreeFrames() != 1 {
		t.Errorf("FreeFrames() = %d, want 1", mem.FreeFrames())
	}

	defer func() {
		if recover() == nil {
			t.Error("double free did not panic")
		}
	}()
	mem.Dealloc(b)
}

// TestPageTableMapUnmap tests the SV39 walk.
func TestPageTableMapUnmap(t *testing.T) {
	mem := NewPhysMem(16)
	pt, err := NewPageTable(mem)
	if err != nil {
		t.Fatal(err)
	}
	vpn := VirtPageNum(0x12345)
	if err := pt.Map(vpn, 0x80009, PTERead|PTEUser); err != nil {
		t.Fatal(err)
	}
	pte, ok := pt.Translate(vpn)
	if !ok || pte.PPN() != 0x80009 || !pte.IsValid() {
		t.Fatalf("Translate() = %v, %v", pte, ok)
	}
	if pa, ok := pt.TranslateVA(vpn.Addr() + 0x10); !ok || pa != PhysPageNum(0x80009).Addr()+0x10 {
		t.Errorf("TranslateVA() = %#x, %v", pa, ok)
	}
	if _, ok := FromToken(mem, pt.Token()).Translate(vpn); !ok {
		t.Error("table reached through token lost the mapping")
	}
	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Error("Translate() after Unmap still valid")
	}
	pt.release()
	if mem.FreeFrames() != 16 {
		t.Errorf("FreeFrames() = %d after release, want 16", mem.FreeFrames())
	}
}

// TestInsertFramedAreaPermissions tests that every page carries the port
// permission plus U.
func TestInsertFramedAreaPermissions(t *testing.T) {
	for port := uint64(1); port <= 7; port++ {
		_, ms := newSpace(t, 64)
		start, size := VirtAddr(0x4000), uint64(3*config.PageSize)
		perm := PermissionFromPort(port)
		if err := ms.InsertFramedArea(start, start+VirtAddr(size), perm); err != nil {
			t.Fatalf("port %d: InsertFramedArea() error = %v", port, err)
		}
		for vpn := start.Floor(); vpn < (start + VirtAddr(size)).Ceil(); vpn++ {
			pte, ok := ms.Translate(vpn)
			if !ok {
				t.Fatalf("port %d: vpn %#x unmapped", port, vpn)
			}
			want := PTEFlags(port<<1) | PTEUser
			if got := pte.Flags() & (PTERead | PTEWrite | PTEExec | PTEUser); got != want {
				t.Errorf("port %d: flags = %05b, want %05b", port, got, want)
			}
		}
	}
}

// TestInsertFramedAreaOverlap tests that a clash leaves mappings untouched.
func TestInsertFramedAreaOverlap(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x3000, 0x5000, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	before := snapshot(ms, 16)
	free := mem.FreeFrames()

	err := ms.InsertFramedArea(0x1000, 0x4000, PermRead|PermWrite|PermUser)
	if !errors.Is(err, ErrAreaOverlap) {
		t.Fatalf("InsertFramedArea() error = %v, want ErrAreaOverlap", err)
	}
	if !sameMappings(before, snapshot(ms, 16)) {
		t.Error("rejected insert changed mappings")
	}
	if mem.FreeFrames() != free {
		t.Error("rejected insert leaked frames")
	}
	if len(ms.Areas()) != 1 {
		t.Errorf("Areas() = %v", ms.Areas())
	}
}

// TestInsertFramedAreaOutOfFrames tests rollback when memory runs out.
func TestInsertFramedAreaOutOfFrames(t *testing.T) {
	mem, ms := newSpace(t, 6)
	free := mem.FreeFrames()
	err := ms.InsertFramedArea(0, 16*config.PageSize, PermRead|PermUser)
	if !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("error = %v, want ErrOutOfFrames", err)
	}
	if ms.MappedPages() != 0 || len(ms.Areas()) != 0 {
		t.Error("failed insert left pages mapped")
	}
	// page-table nodes created on the way stay with the table
	if mem.FreeFrames() > free {
		t.Error("more frames free than before")
	}
}

// TestDeleteFramedArea tests unmapping with area splitting.
func TestDeleteFramedArea(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x1000, 0x6000, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	free := mem.FreeFrames()

	if err := ms.DeleteFramedArea(0x2000, 0x4000); err != nil {
		t.Fatalf("DeleteFramedArea() error = %v", err)
	}
	for vpn := VirtPageNum(1); vpn < 6; vpn++ {
		_, ok := ms.Translate(vpn)
		want := vpn < 2 || vpn >= 4
		if ok != want {
			t.Errorf("vpn %d mapped = %v, want %v", vpn, ok, want)
		}
	}
	if mem.FreeFrames() != free+2 {
		t.Errorf("FreeFrames() = %d, want %d", mem.FreeFrames(), free+2)
	}
	areas := ms.Areas()
	if len(areas) != 2 || areas[0] != (VPNRange{1, 2}) || areas[1] != (VPNRange{4, 6}) {
		t.Errorf("Areas() = %v", areas)
	}

	// a range with a hole is refused as a whole
	before := snapshot(ms, 16)
	if err := ms.DeleteFramedArea(0x1000, 0x5000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("DeleteFramedArea() over a hole error = %v, want ErrNotMapped", err)
	}
	if !sameMappings(before, snapshot(ms, 16)) {
		t.Error("rejected delete changed mappings")
	}

	// deleting across two areas
	if err := ms.InsertFramedArea(0x2000, 0x4000, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := ms.DeleteFramedArea(0x1000, 0x6000); err != nil {
		t.Fatalf("DeleteFramedArea() spanning areas error = %v", err)
	}
	if ms.MappedPages() != 0 || len(ms.Areas()) != 0 {
		t.Errorf("pages left = %d, areas = %v", ms.MappedPages(), ms.Areas())
	}
}

// TestDeleteFramedAreaKernelOnly tests that pages without user access
// cannot be unmapped through a user range.
func TestDeleteFramedAreaKernelOnly(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x1000, 0x2000, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertFramedArea(0x2000, 0x3000, PermRead|PermWrite); err != nil {
		t.Fatal(err)
	}
	free := mem.FreeFrames()
	before := snapshot(ms, 16)

	for _, r := range [][2]VirtAddr{{0x2000, 0x3000}, {0x1000, 0x3000}} {
		if err := ms.DeleteFramedArea(r[0], r[1]); !errors.Is(err, ErrNotUser) {
			t.Errorf("DeleteFramedArea(%v, %v) error = %v, want ErrNotUser", r[0], r[1], err)
		}
	}
	if !sameMappings(before, snapshot(ms, 16)) || mem.FreeFrames() != free {
		t.Error("rejected delete changed mappings")
	}
}

// TestAppendShrink tests growing and shrinking an area in place.
func TestAppendShrink(t *testing.T) {
	_, ms := newSpace(t, 64)
	base := VirtAddr(0x8000)
	if err := ms.InsertFramedArea(base, base, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if !ms.AppendTo(base, base+0x1800) {
		t.Fatal("AppendTo() = false")
	}
	if ms.MappedPages() != 2 {
		t.Errorf("MappedPages() = %d, want 2", ms.MappedPages())
	}
	if !ms.ShrinkTo(base, base+0x800) {
		t.Fatal("ShrinkTo() = false")
	}
	if _, ok := ms.Translate(base.Floor() + 1); ok {
		t.Error("second page survived shrink")
	}
	if err := ms.InsertFramedArea(base+0x2000, base+0x3000, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	if ms.AppendTo(base, base+0x3000) {
		t.Error("AppendTo() into a mapped page succeeded")
	}
	if ms.AppendTo(0x100000, 0x101000) {
		t.Error("AppendTo() without an area succeeded")
	}
}

// TestFromELF tests building an address space from an image.
func TestFromELF(t *testing.T) {
	mem := NewPhysMem(64)
	text := bytes.Repeat([]byte{0xab}, config.PageSize+10)
	ms, ustackBase, entry, err := FromELF(mem, loader.BuildELF(text))
	if err != nil {
		t.Fatalf("FromELF() error = %v", err)
	}
	if entry != loader.ImageBase {
		t.Errorf("entry = %#x", entry)
	}
	wantBase := uint64(loader.ImageBase + 3*config.PageSize)
	if ustackBase != wantBase {
		t.Errorf("ustackBase = %#x, want %#x", ustackBase, wantBase)
	}
	got := make([]byte, len(text))
	if err := ReadUser(mem, ms.Token(), loader.ImageBase, got, PTEExec); err != nil {
		t.Fatalf("ReadUser() error = %v", err)
	}
	if !bytes.Equal(got, text) {
		t.Error("segment contents differ")
	}

	if _, _, _, err := FromELF(mem, []byte("not an elf")); err == nil {
		t.Error("FromELF() accepted garbage")
	}
}

// TestFromExistedUser tests that a fork copy is deep.
func TestFromExistedUser(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x1000, 0x3000, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := WriteUser(mem, ms.Token(), 0x1ffc, []byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	dup, err := FromExistedUser(ms)
	if err != nil {
		t.Fatalf("FromExistedUser() error = %v", err)
	}
	if dup.Token() == ms.Token() {
		t.Fatal("copy shares the page table")
	}
	got := make([]byte, 8)
	if err := ReadUser(mem, dup.Token(), 0x1ffc, got, PTERead); err != nil || string(got) != "abcdefgh" {
		t.Fatalf("copy read = %q, %v", got, err)
	}
	if err := WriteUser(mem, dup.Token(), 0x1ffc, []byte("zz")); err != nil {
		t.Fatal(err)
	}
	if err := ReadUser(mem, ms.Token(), 0x1ffc, got[:2], PTERead); err != nil || string(got[:2]) != "ab" {
		t.Errorf("original changed through copy: %q", got[:2])
	}

	free := mem.FreeFrames()
	dup.Release()
	if mem.FreeFrames() <= free {
		t.Error("Release() freed nothing")
	}
}

type timeVal struct {
	Sec  uint64
	Usec uint64
}

// TestTranslatedRefMut tests in-place user structure access.
func TestTranslatedRefMut(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x1000, 0x3000, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertFramedArea(0x5000, 0x6000, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	tok := ms.Token()

	tv, err := TranslatedRefMut[timeVal](mem, tok, 0x1010)
	if err != nil {
		t.Fatalf("TranslatedRefMut() error = %v", err)
	}
	tv.Sec, tv.Usec = 7, 9
	raw := make([]byte, 16)
	if err := ReadUser(mem, tok, 0x1010, raw, PTERead); err != nil {
		t.Fatal(err)
	}
	if raw[0] != 7 || raw[8] != 9 {
		t.Errorf("user memory = %v", raw)
	}

	tests := []struct {
		name string
		va   uint64
		want error
	}{
		{"straddles two pages", 0x2000 - 8, ErrCrossPage},
		{"misaligned", 0x1004, ErrMisaligned},
		{"unmapped", 0x4000, ErrBadAddress},
		{"read only", 0x5000, ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TranslatedRefMut[timeVal](mem, tok, tt.va); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestTranslatedStr tests string reads across a page boundary.
func TestTranslatedStr(t *testing.T) {
	mem, ms := newSpace(t, 64)
	if err := ms.InsertFramedArea(0x1000, 0x3000, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}
	if err := WriteUser(mem, ms.Token(), 0x1ffd, []byte("forktest\x00")); err != nil {
		t.Fatal(err)
	}
	s, err := TranslatedStr(mem, ms.Token(), 0x1ffd)
	if err != nil || s != "forktest" {
		t.Errorf("TranslatedStr() = %q, %v", s, err)
	}
	if _, err := TranslatedStr(mem, ms.Token(), 0x9000); !errors.Is(err, ErrBadAddress) {
		t.Errorf("TranslatedStr() unmapped error = %v", err)
	}
}
