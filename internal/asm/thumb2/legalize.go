package thumb2

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
)

// Displacement limits in bytes, measured from the instruction address + 4.
const (
	cbzMax        = 126
	bCondMin      = -256
	bCondMax      = 254
	bUncondMin    = -2048
	bUncondMax    = 2046
	bCondWideMin  = -(1 << 20)
	bCondWideMax  = 1<<20 - 2
	blMin         = -(1 << 22)
	blMax         = 1<<22 - 2
	ldrPcRelMax   = 1020
	ldrPcRel12Max = 4091
)

func fatal(r *lir.Record, delta int, err error) (asm.Status, error) {
	return asm.Fatal, &asm.DisplacementError{Key: table.Lookup(r.Opcode).Key, Offset: r.Offset, Delta: delta, Err: err}
}

func (t Target) Legalize(u *asm.Unit, r *lir.Record, start uintptr) (asm.Status, error) {
	switch r.Opcode {
	case LdrPcRel, AddPcRel, Thumb2LdrPcRel12:
		pc := (r.Offset + 4) &^ 3
		delta := r.Target.Offset - pc
		if delta&3 != 0 {
			return fatal(r, delta, asm.ErrMisaligned)
		}
		if delta < 0 {
			return fatal(r, delta, asm.ErrDisplacement)
		}
		if r.Opcode == Thumb2LdrPcRel12 {
			if delta > ldrPcRel12Max {
				return asm.RetryHalve, nil
			}
			r.Operands[1] = int32(delta)
		} else {
			if delta > ldrPcRelMax {
				return asm.RetryHalve, nil
			}
			r.Operands[1] = int32(delta >> 2)
		}

	case Thumb2Cbz, Thumb2Cbnz:
		delta := r.Target.Offset - (r.Offset + 4)
		if delta > cbzMax || delta < 0 {
			// cbz/cbnz only branch forward a short way. Rewrite as a
			// compare with zero followed by a conditional branch.
			cond := asm.CondEQ
			if r.Opcode == Thumb2Cbnz {
				cond = asm.CondNE
			}
			// The branch lands two bytes after the cbz, so it sees the
			// same forward delta (short form) and two bytes less backward.
			op := BCond
			if delta > bCondMax || delta-2 < bCondMin {
				op = Thumb2BCond
			}
			br := lir.NewBranch(op, r.Target, 0, int32(cond))
			u.List.InsertAfter(r, br)
			r.Opcode = CmpRI8
			r.Operands[1] = 0
			r.Target = nil
			lir.SetupResourceMasks(r, table)
			lir.SetupResourceMasks(br, table)
			return asm.RetryAll, nil
		}
		r.Operands[1] = int32(delta >> 1)

	case BCond:
		delta := r.Target.Offset - (r.Offset + 4)
		if delta > bCondMax || delta < bCondMin {
			r.Opcode = Thumb2BCond
			lir.SetupResourceMasks(r, table)
			return asm.RetryAll, nil
		}
		r.Operands[0] = int32(delta >> 1)

	case Thumb2BCond:
		delta := r.Target.Offset - (r.Offset + 4)
		if delta > bCondWideMax || delta < bCondWideMin {
			return asm.RetryHalve, nil
		}
		r.Operands[0] = int32(delta >> 1)

	case BUncond:
		delta := r.Target.Offset - (r.Offset + 4)
		if delta > bUncondMax || delta < bUncondMin {
			return fatal(r, delta, asm.ErrDisplacement)
		}
		r.Operands[0] = int32(delta >> 1)

	case Bl1, Blx1:
		second := r.Next()
		want := Bl2
		if r.Opcode == Blx1 {
			want = Blx2
		}
		if second == nil || second.Opcode != want {
			return asm.Fatal, fmt.Errorf("%s at 0x%x is not followed by its second half", table.Lookup(r.Opcode).Key, r.Offset)
		}
		pc := r.Offset + 4
		if r.Opcode == Blx1 {
			// blx switches to ARM state and branches from the word-aligned pc.
			abs := (start + uintptr(r.Offset) + 4) &^ 3
			pc = int(abs - start)
			if r.Target.Offset&3 != 0 {
				return fatal(r, r.Target.Offset-pc, asm.ErrMisaligned)
			}
		}
		delta := r.Target.Offset - pc
		if delta > blMax || delta < blMin {
			return fatal(r, delta, asm.ErrDisplacement)
		}
		r.Operands[0] = int32(delta>>12) & 0x7ff
		second.Operands[0] = int32(delta>>1) & 0x7ff

	default:
		return asm.Fatal, fmt.Errorf("thumb2: no legalization rule for %s", table.Lookup(r.Opcode).Key)
	}
	return asm.Success, nil
}
