// Package arm64 is the AArch64 target. Every instruction is one 32-bit
// little-endian unit and branch displacements are measured from the
// instruction itself.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

// DirectCellSize is the branch, ldr, blr and the payload word.
const DirectCellSize = 16

// maxSlot is the largest dispatcher slot a scaled ldr can reach.
const maxSlot = 1<<12 - 1

// Target implements asm.Target.
type Target struct{}

var _ asm.Target = Target{}

func New() Target { return Target{} }

func (Target) Name() string { return "arm64" }

func (Target) Lookup(op lir.Opcode) *lir.Descriptor { return table.Lookup(op) }

// Descriptors exposes the encoding table.
func Descriptors() lir.Descriptors { return table }

func (Target) UnitSize() int { return 4 }

func (Target) Filler() uint32 { return nopWord }

func (Target) AppendUnits(buf []byte, word uint32, units int) []byte {
	if units != 1 {
		panic(fmt.Sprintf("arm64: %d-unit instruction", units))
	}
	return binary.LittleEndian.AppendUint32(buf, word)
}

func (Target) DirectCellSize() int { return DirectCellSize }

func appendOp(u *asm.Unit, r *lir.Record) *lir.Record {
	u.List.Append(r)
	lir.SetupResourceMasks(r, table)
	return r
}

// LoadImmediate uses movz for small non-negative values and the literal
// pool for everything else.
func (t Target) LoadImmediate(u *asm.Unit, reg int, v int32) *lir.Record {
	if v >= 0 && v <= 0xffff {
		return appendOp(u, lir.New(Movz, int32(reg), v, 0))
	}
	return t.LoadLiteral(u, reg, u.Literal(uint32(v)))
}

func (Target) LoadLiteral(u *asm.Unit, reg int, lit *lir.Record) *lir.Record {
	return appendOp(u, lir.NewBranch(LdrLit32, lit, int32(reg)))
}

// LoadClassPointer loads the full 64-bit class pool entry.
func (Target) LoadClassPointer(u *asm.Unit, reg int, id vm.ClassIdentity) *lir.Record {
	return appendOp(u, lir.NewBranch(LdrLit, u.ClassPointer(id), int32(reg)))
}

func (Target) BranchIfZero(u *asm.Unit, reg int, target *lir.Record) *lir.Record {
	return appendOp(u, lir.NewBranch(Cbz, target, int32(reg)))
}

func (Target) Branch(u *asm.Unit, target *lir.Record) *lir.Record {
	return appendOp(u, lir.NewBranch(B, target))
}

func (Target) Nop(u *asm.Unit) *lir.Record {
	return appendOp(u, lir.New(Nop))
}

func (Target) DataWord(u *asm.Unit, v uint32) {
	appendOp(u, lir.New(Data32, int32(v)))
}

// DirectCell emits
//
//	b    1f
//	1: ldr x16, [rSelf, #slot*8]
//	blr  x16
//	.word payload
//
// The leading branch is the patchable word.
func (t Target) DirectCell(u *asm.Unit, kind asm.CellKind, slot int, payload uint32) {
	if slot < 0 || slot > maxSlot {
		panic(fmt.Sprintf("arm64: dispatcher slot %d out of range", slot))
	}
	after := lir.New(lir.PseudoLabel)
	appendOp(u, lir.NewBranch(B, after))
	u.List.Append(after)
	appendOp(u, lir.New(LdrImm, rScratch, RSelf, int32(slot)))
	appendOp(u, lir.New(Blr, rScratch))
	t.DataWord(u, payload)
}
