package hart

import (
	"errors"
	"fmt"

	"taskos/pkg/loader"
)

// Assembler errors.
var (
	ErrUndefinedLabel = errors.New("undefined label")
	ErrDuplicateLabel = errors.New("duplicate label")
)

type fixup struct {
	index int
	label string
}

type datum struct {
	label string
	bytes []byte
}

// Assembler builds a user program. Code comes first; data blocks follow it
// in the same segment, each 8-byte aligned.
type Assembler struct {
	code   []Inst
	labels map[string]int
	fixups []fixup
	data   []datum
}

// NewAssembler creates an empty program.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

func (a *Assembler) emit(i Inst) *Assembler {
	a.code = append(a.code, i)
	return a
}

func (a *Assembler) emitRef(i Inst, label string) *Assembler {
	a.fixups = append(a.fixups, fixup{index: len(a.code), label: label})
	return a.emit(i)
}

// Label names the next instruction.
func (a *Assembler) Label(name string) *Assembler {
	if _, ok := a.labels[name]; ok {
		a.labels[name] = -1
		return a
	}
	a.labels[name] = len(a.code) * InstSize
	return a
}

// Li loads an immediate.
func (a *Assembler) Li(rd uint8, imm int32) *Assembler {
	return a.emit(Inst{Op: OpLi, Rd: rd, Imm: imm})
}

// La loads the address of a code or data label.
func (a *Assembler) La(rd uint8, label string) *Assembler {
	return a.emitRef(Inst{Op: OpLa, Rd: rd}, label)
}

// Mv copies a register.
func (a *Assembler) Mv(rd, rs uint8) *Assembler {
	return a.emit(Inst{Op: OpMv, Rd: rd, Rs1: rs})
}

// Addi adds an immediate.
func (a *Assembler) Addi(rd, rs uint8, imm int32) *Assembler {
	return a.emit(Inst{Op: OpAddi, Rd: rd, Rs1: rs, Imm: imm})
}

// Add adds two registers.
func (a *Assembler) Add(rd, rs1, rs2 uint8) *Assembler {
	return a.emit(Inst{Op: OpAdd, Rd: rd, Rs1: rs1, Rs2: rs2})
}

// Ld loads a doubleword.
func (a *Assembler) Ld(rd, base uint8, off int32) *Assembler {
	return a.emit(Inst{Op: OpLd, Rd: rd, Rs1: base, Imm: off})
}

// Sd stores a doubleword.
func (a *Assembler) Sd(rs, base uint8, off int32) *Assembler {
	return a.emit(Inst{Op: OpSd, Rs1: base, Rs2: rs, Imm: off})
}

// Lw loads a sign-extended word.
func (a *Assembler) Lw(rd, base uint8, off int32) *Assembler {
	return a.emit(Inst{Op: OpLw, Rd: rd, Rs1: base, Imm: off})
}

// Sw stores a word.
func (a *Assembler) Sw(rs, base uint8, off int32) *Assembler {
	return a.emit(Inst{Op: OpSw, Rs1: base, Rs2: rs, Imm: off})
}

// Beqz branches to label if rs is zero.
func (a *Assembler) Beqz(rs uint8, label string) *Assembler {
	return a.emitRef(Inst{Op: OpBeqz, Rs1: rs}, label)
}

// Bnez branches to label if rs is not zero.
func (a *Assembler) Bnez(rs uint8, label string) *Assembler {
	return a.emitRef(Inst{Op: OpBnez, Rs1: rs}, label)
}

// Bltz branches to label if rs is negative.
func (a *Assembler) Bltz(rs uint8, label string) *Assembler {
	return a.emitRef(Inst{Op: OpBltz, Rs1: rs}, label)
}

// J jumps to label.
func (a *Assembler) J(label string) *Assembler {
	return a.emitRef(Inst{Op: OpJ}, label)
}

// Ecall traps into the kernel.
func (a *Assembler) Ecall() *Assembler {
	return a.emit(Inst{Op: OpEcall})
}

// Syscall loads id into a7, the immediates into a0.. and traps.
func (a *Assembler) Syscall(id uint64, args ...int32) *Assembler {
	for i, v := range args {
		a.Li(A0+uint8(i), v)
	}
	return a.Li(A7, int32(id)).Ecall()
}

// String adds a NUL-terminated string under label.
func (a *Assembler) String(label, s string) *Assembler {
	a.data = append(a.data, datum{label: label, bytes: append([]byte(s), 0)})
	return a
}

// Space adds n zero bytes under label.
func (a *Assembler) Space(label string, n int) *Assembler {
	a.data = append(a.data, datum{label: label, bytes: make([]byte, n)})
	return a
}

// Assemble resolves labels and returns the program text, to be loaded at
// loader.ImageBase.
func (a *Assembler) Assemble() ([]byte, error) {
	labels := make(map[string]int, len(a.labels)+len(a.data))
	for name, off := range a.labels {
		if off < 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, name)
		}
		labels[name] = off
	}
	off := len(a.code) * InstSize
	for _, d := range a.data {
		if _, ok := labels[d.label]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, d.label)
		}
		labels[d.label] = off
		off += (len(d.bytes) + 7) &^ 7
	}

	code := append([]Inst(nil), a.code...)
	for _, f := range a.fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedLabel, f.label)
		}
		code[f.index].Imm = int32(target - f.index*InstSize)
	}

	text := make([]byte, off)
	for i, inst := range code {
		inst.Encode(text[i*InstSize:])
	}
	for _, d := range a.data {
		copy(text[labels[d.label]:], d.bytes)
	}
	return text, nil
}

// Image assembles the program into a loadable image.
func (a *Assembler) Image() ([]byte, error) {
	text, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	return loader.BuildELF(text), nil
}
