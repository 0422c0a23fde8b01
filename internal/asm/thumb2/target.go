// Package thumb2 is the Thumb/Thumb-2 instruction set target. Code is
// stored in 16-bit units; 32-bit instructions are written high halfword
// first.
package thumb2

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

// DirectCellSize is b+orr, ldr, blx and the payload word.
const DirectCellSize = 12

// Target implements asm.Target.
type Target struct{}

var _ asm.Target = Target{}

func New() Target { return Target{} }

func (Target) Name() string { return "thumb2" }

func (Target) Lookup(op lir.Opcode) *lir.Descriptor { return table.Lookup(op) }

// Descriptors exposes the encoding table.
func Descriptors() lir.Descriptors { return table }

func (Target) UnitSize() int { return 2 }

func (Target) Filler() uint32 { return paddingMovR5R5 }

func (Target) AppendUnits(buf []byte, word uint32, units int) []byte {
	switch units {
	case 1:
		return binary.LittleEndian.AppendUint16(buf, uint16(word))
	case 2:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(word>>16))
		return binary.LittleEndian.AppendUint16(buf, uint16(word))
	default:
		panic(fmt.Sprintf("thumb2: %d-unit instruction", units))
	}
}

func (Target) DirectCellSize() int { return DirectCellSize }

func appendOp(u *asm.Unit, r *lir.Record) *lir.Record {
	u.List.Append(r)
	lir.SetupResourceMasks(r, table)
	return r
}

func (t Target) LoadImmediate(u *asm.Unit, reg int, v int32) *lir.Record {
	switch {
	case reg < R8 && v >= 0 && v <= 0xff:
		return appendOp(u, lir.New(MovImm, int32(reg), v))
	case v >= 0 && v <= 0xffff:
		return appendOp(u, lir.New(Thumb2MovImm16, int32(reg), v))
	default:
		return t.LoadLiteral(u, reg, u.Literal(uint32(v)))
	}
}

func (Target) LoadLiteral(u *asm.Unit, reg int, lit *lir.Record) *lir.Record {
	if reg < R8 {
		return appendOp(u, lir.NewBranch(LdrPcRel, lit, int32(reg)))
	}
	return appendOp(u, lir.NewBranch(Thumb2LdrPcRel12, lit, int32(reg)))
}

// LoadClassPointer loads the low word of a class pool entry.
func (t Target) LoadClassPointer(u *asm.Unit, reg int, id vm.ClassIdentity) *lir.Record {
	return t.LoadLiteral(u, reg, u.ClassPointer(id))
}

func (Target) BranchIfZero(u *asm.Unit, reg int, target *lir.Record) *lir.Record {
	if reg >= R8 {
		panic(fmt.Sprintf("thumb2: cbz on high register r%d", reg))
	}
	return appendOp(u, lir.NewBranch(Thumb2Cbz, target, int32(reg)))
}

func (Target) Branch(u *asm.Unit, target *lir.Record) *lir.Record {
	return appendOp(u, lir.NewBranch(BUncond, target))
}

func (Target) Nop(u *asm.Unit) *lir.Record {
	return appendOp(u, lir.New(Nop))
}

func (Target) DataWord(u *asm.Unit, v uint32) {
	appendOp(u, lir.New(Data16, int32(v&0xffff)))
	appendOp(u, lir.New(Data16, int32(v>>16)))
}

// DirectCell emits
//
//	b    1f
//	orrs r0, r0
//	1: ldr r0, [rSelf, #slot*4]
//	blx  r0
//	.word payload
//
// The leading pair is the patchable word.
func (t Target) DirectCell(u *asm.Unit, kind asm.CellKind, slot int, payload uint32) {
	if slot < 0 || slot > 31 {
		panic(fmt.Sprintf("thumb2: dispatcher slot %d out of range", slot))
	}
	after := lir.New(lir.PseudoLabel)
	appendOp(u, lir.NewBranch(BUncond, after))
	appendOp(u, lir.New(Orr, R0, R0))
	u.List.Append(after)
	appendOp(u, lir.New(LdrRRI5, R0, RSelf, int32(slot)))
	appendOp(u, lir.New(BlxR, R0))
	t.DataWord(u, payload)
}
