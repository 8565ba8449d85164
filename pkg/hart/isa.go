// Package hart emulates user mode for taskos. It fetches fixed-width
// instructions through the running task's page table, executes them against
// the task's trap context and enters the syscall layer on ecall.
//
// Each instruction is eight bytes:
//
//	byte 0     opcode
//	byte 1     rd
//	byte 2     rs1
//	byte 3     rs2
//	bytes 4-7  imm, signed little-endian
//
// Branch and jump targets and La operands are relative to the address of
// the instruction itself.
package hart

import (
	"encoding/binary"
	"fmt"
)

// InstSize is the width of every instruction.
const InstSize = 8

// Op is an opcode.
type Op uint8

const (
	opInvalid Op = iota
	// OpLi sets rd to imm.
	OpLi
	// OpLa sets rd to pc+imm.
	OpLa
	// OpMv copies rs1 to rd.
	OpMv
	// OpAddi sets rd to rs1+imm.
	OpAddi
	// OpAdd sets rd to rs1+rs2.
	OpAdd
	// OpLd loads 8 bytes from rs1+imm.
	OpLd
	// OpSd stores rs2 as 8 bytes to rs1+imm.
	OpSd
	// OpLw loads 4 sign-extended bytes from rs1+imm.
	OpLw
	// OpSw stores the low 4 bytes of rs2 to rs1+imm.
	OpSw
	// OpBeqz branches by imm if rs1 is zero.
	OpBeqz
	// OpBnez branches by imm if rs1 is not zero.
	OpBnez
	// OpBltz branches by imm if rs1 is negative.
	OpBltz
	// OpJ jumps by imm.
	OpJ
	// OpEcall traps into the kernel.
	OpEcall
	numOps
)

var opNames = [...]string{
	opInvalid: "invalid",
	OpLi:      "li",
	OpLa:      "la",
	OpMv:      "mv",
	OpAddi:    "addi",
	OpAdd:     "add",
	OpLd:      "ld",
	OpSd:      "sd",
	OpLw:      "lw",
	OpSw:      "sw",
	OpBeqz:    "beqz",
	OpBnez:    "bnez",
	OpBltz:    "bltz",
	OpJ:       "j",
	OpEcall:   "ecall",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%#x)", uint8(o))
}

// Register numbers.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A7   = 17
)

// Inst is a decoded instruction.
type Inst struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Imm int32
}

// Encode writes the instruction into b, which must hold InstSize bytes.
func (i Inst) Encode(b []byte) {
	b[0], b[1], b[2], b[3] = byte(i.Op), i.Rd, i.Rs1, i.Rs2
	binary.LittleEndian.PutUint32(b[4:], uint32(i.Imm))
}

// Decode reads an instruction from b.
func Decode(b []byte) Inst {
	return Inst{
		Op:  Op(b[0]),
		Rd:  b[1] & 31,
		Rs1: b[2] & 31,
		Rs2: b[3] & 31,
		Imm: int32(binary.LittleEndian.Uint32(b[4:])),
	}
}

func (i Inst) String() string {
	return fmt.Sprintf("%s rd=x%d rs1=x%d rs2=x%d imm=%d", i.Op, i.Rd, i.Rs1, i.Rs2, i.Imm)
}
