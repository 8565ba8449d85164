package mm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"taskos/pkg/config"
)

// Image errors.
var (
	ErrNotExecutable = errors.New("image is not a 64-bit executable")
	ErrNoLoadable    = errors.New("image has no loadable segment")
)

// FromELF builds a user address space from an ELF image. Every PT_LOAD
// segment becomes a user area with the segment's permissions. It returns the
// address space, the lowest address usable for user stacks (one guard page
// above the image) and the entry point.
func FromELF(mem *PhysMem, data []byte) (ms *MemorySet, ustackBase uint64, entry uint64, err error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("parse image: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Type != elf.ET_EXEC {
		return nil, 0, 0, ErrNotExecutable
	}

	ms, err = NewBare(mem)
	if err != nil {
		return nil, 0, 0, err
	}
	var maxEnd VirtPageNum
	loaded := 0
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start, end := VirtAddr(p.Vaddr), VirtAddr(p.Vaddr+p.Memsz)
		perm := PermUser
		if p.Flags&elf.PF_R != 0 {
			perm |= PermRead
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= PermWrite
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= PermExec
		}
		seg := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), seg); err != nil {
			ms.Release()
			return nil, 0, 0, fmt.Errorf("read segment at %v: %w", start, err)
		}
		area := newMapArea(NewVPNRange(start, end), perm)
		if err := ms.push(area, seg, start.PageOffset()); err != nil {
			ms.Release()
			return nil, 0, 0, fmt.Errorf("map segment at %v: %w", start, err)
		}
		maxEnd = max(maxEnd, area.pages.End)
		loaded++
	}
	if loaded == 0 {
		ms.Release()
		return nil, 0, 0, ErrNoLoadable
	}
	ustackBase = uint64(maxEnd.Addr()) + config.PageSize
	return ms, ustackBase, f.Entry, nil
}
