package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"taskos/pkg/config"
)

// ImageBase is where BuildELF places the program segment.
const ImageBase = 0x10000

const (
	ehdrSize = 64
	phdrSize = 56
)

// BuildELF wraps text in a minimal RISC-V ELF64 executable: one PT_LOAD
// segment at ImageBase, readable, writable and executable, with the entry
// point at its first byte.
func BuildELF(text []byte) []byte {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     ImageBase,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Off:    config.PageSize,
		Vaddr:  ImageBase,
		Paddr:  ImageBase,
		Filesz: uint64(len(text)),
		Memsz:  uint64(len(text)),
		Align:  config.PageSize,
	}

	var buf bytes.Buffer
	// bytes.Buffer writes never fail
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, &prog)
	buf.Write(make([]byte, config.PageSize-buf.Len()))
	buf.Write(text)
	return buf.Bytes()
}
