package asm

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/lir"
)

// CellCountsSize is the size of the chain-cell counts block: one u16 per
// kind, a u16 gap word count, and padding to 8 bytes.
const CellCountsSize = 16

// Layout places everything installed after the body. Offsets are relative
// to the body start (the translation entry point).
type Layout struct {
	BodySize        int
	CountsOffset    int
	TraceOffset     int
	ClassPoolOffset int
	LiteralOffset   int
	TotalSize       int
}

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

// AssignOffsets walks the list assigning byte offsets, records alignment
// padding, discovers chaining cells and computes the data layout. It must
// be rerun after any rewrite.
func AssignOffsets(u *Unit) Layout {
	t := u.Target
	unit := t.UnitSize()
	u.cells = u.cells[:0]

	offset := 0
	for r := u.List.First(); r != nil; r = r.Next() {
		r.Offset = offset
		switch {
		case r.Opcode == lir.PseudoAlign:
			boundary := int(r.Operands[0])
			if boundary < unit {
				boundary = unit
			}
			pad := alignUp(offset, boundary) - offset
			r.Operands[1] = int32(pad)
			offset += pad
		case r.Opcode == lir.PseudoChainingCell:
			u.cells = append(u.cells, CellSite{Kind: CellKind(r.Operands[0]), Offset: offset})
		case r.IsPseudo() || r.IsNop:
		default:
			d := t.Lookup(r.Opcode)
			r.Units = d.Units
			offset += d.Units * unit
		}
	}

	var l Layout
	l.BodySize = offset
	l.CountsOffset = alignUp(offset, 8)
	l.TraceOffset = l.CountsOffset + CellCountsSize
	l.ClassPoolOffset = l.TraceOffset + u.Trace.Size()

	offset = l.ClassPoolOffset + 8
	for r := u.classPool.First(); r != nil; r = r.Next() {
		r.Offset = offset
		offset += 8
	}
	l.LiteralOffset = offset
	for r := u.literals.First(); r != nil; r = r.Next() {
		r.Offset = offset
		offset += 4
	}
	l.TotalSize = alignUp(offset, 8)
	u.layout = l
	return l
}

// checkCells verifies cells are grouped by kind in kind order and have the
// size the target expects.
func checkCells(u *Unit) error {
	for i, c := range u.cells {
		if i > 0 && c.Kind < u.cells[i-1].Kind {
			return fmt.Errorf("chaining cell %d (%v) after %v", i, c.Kind, u.cells[i-1].Kind)
		}
		end := u.layout.BodySize
		if i+1 < len(u.cells) {
			end = u.cells[i+1].Offset
		}
		want := u.Target.DirectCellSize()
		if c.Kind == CellPredicted {
			want = PredictedCellSize
		}
		// Padding before the next cell is allowed, so only require room.
		if end-c.Offset < want {
			return fmt.Errorf("chaining cell %d (%v) at 0x%x has %d bytes, want %d", i, c.Kind, c.Offset, end-c.Offset, want)
		}
		if c.Kind == CellPredicted && c.Offset%8 != 0 {
			return fmt.Errorf("predicted cell at 0x%x is not 8-byte aligned", c.Offset)
		}
	}
	return nil
}

// CellCounts returns the number of cells of each kind.
func CellCounts(cells []CellSite) [NumCellKinds]int {
	var counts [NumCellKinds]int
	for _, c := range cells {
		counts[c.Kind]++
	}
	return counts
}
