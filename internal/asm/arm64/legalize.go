package arm64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
)

// Displacement limits in bytes, measured from the instruction address.
const (
	imm19Min = -(1 << 20)
	imm19Max = 1<<20 - 4
	imm14Min = -(1 << 15)
	imm14Max = 1<<15 - 4
	imm26Min = -(1 << 27)
	imm26Max = 1<<27 - 4
)

func fatal(r *lir.Record, delta int, err error) (asm.Status, error) {
	return asm.Fatal, &asm.DisplacementError{Key: table.Lookup(r.Opcode).Key, Offset: r.Offset, Delta: delta, Err: err}
}

// singleBitMask is the N:immr:imms logical immediate selecting bit b of a
// 64-bit register.
func singleBitMask(b int32) int32 {
	immr := (64 - b) % 64
	return 1<<12 | immr<<6
}

// hop inverts the branch at r so it skips a new unconditional branch to
// the original target.
func hop(u *asm.Unit, r *lir.Record) {
	far := lir.NewBranch(B, r.Target)
	skip := lir.New(lir.PseudoLabel)
	u.List.InsertAfter(r, far)
	u.List.InsertAfter(far, skip)
	lir.SetupResourceMasks(far, table)
	r.Target = skip
}

func (t Target) Legalize(u *asm.Unit, r *lir.Record, start uintptr) (asm.Status, error) {
	delta := r.Target.Offset - r.Offset
	if delta&3 != 0 {
		return fatal(r, delta, asm.ErrMisaligned)
	}
	switch r.Opcode {
	case LdrLit, LdrLit32:
		if delta < imm19Min || delta > imm19Max {
			return asm.RetryHalve, nil
		}
		r.Operands[1] = int32(delta >> 2)

	case BCond:
		if delta < imm19Min || delta > imm19Max {
			r.Operands[1] = int32(asm.Cond(r.Operands[1]).Invert())
			hop(u, r)
			return asm.RetryAll, nil
		}
		r.Operands[0] = int32(delta >> 2)

	case Cbz, Cbnz:
		if delta < imm19Min || delta > imm19Max {
			if r.Opcode == Cbz {
				r.Opcode = Cbnz
			} else {
				r.Opcode = Cbz
			}
			hop(u, r)
			return asm.RetryAll, nil
		}
		r.Operands[1] = int32(delta >> 2)

	case Tbz, Tbnz:
		if delta < imm14Min || delta > imm14Max {
			// Test the bit into the flags and let a conditional branch,
			// which has five more bits of range, carry the displacement.
			cond := asm.CondEQ
			if r.Opcode == Tbnz {
				cond = asm.CondNE
			}
			br := lir.NewBranch(BCond, r.Target, 0, int32(cond))
			u.List.InsertAfter(r, br)
			r.Opcode = TstImm
			r.Operands[1] = singleBitMask(r.Operands[1])
			r.Operands[2] = 0
			r.Target = nil
			lir.SetupResourceMasks(r, table)
			lir.SetupResourceMasks(br, table)
			return asm.RetryAll, nil
		}
		r.Operands[2] = int32(delta >> 2)

	case B, Bl:
		if delta < imm26Min || delta > imm26Max {
			return fatal(r, delta, asm.ErrDisplacement)
		}
		r.Operands[0] = int32(delta >> 2)

	default:
		return asm.Fatal, fmt.Errorf("arm64: no legalization rule for %s", table.Lookup(r.Opcode).Key)
	}
	return asm.Success, nil
}
