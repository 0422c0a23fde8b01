package asm

import (
	"encoding/binary"

	"github.com/tinyrange/tracejit/internal/vm"
)

// Program is an assembled unit ready to be installed.
type Program struct {
	code    []byte
	layout  Layout
	cells   []CellSite
	lits    []uint32
	classes []vm.ClassIdentity
	trace   TraceDescriptor
}

// Bytes returns a copy of the body.
func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Layout() Layout { return p.layout }

func (p Program) Cells() []CellSite { return append([]CellSite(nil), p.cells...) }

func (p Program) Literals() []uint32 { return append([]uint32(nil), p.lits...) }

func (p Program) ClassPointers() []vm.ClassIdentity {
	return append([]vm.ClassIdentity(nil), p.classes...)
}

func (p Program) Trace() TraceDescriptor { return p.trace }

// Image renders everything from the body start to TotalSize. Class pool
// entries hold their pool index plus one until they are resolved, so an
// unresolved entry is never mistaken for a null class.
func (p Program) Image() []byte {
	l := p.layout
	out := make([]byte, l.TotalSize)
	copy(out, p.code)

	counts := CellCounts(p.cells)
	for k, n := range counts {
		binary.LittleEndian.PutUint16(out[l.CountsOffset+2*k:], uint16(n))
	}
	gap := (l.CountsOffset - l.BodySize) / 4
	binary.LittleEndian.PutUint16(out[l.CountsOffset+2*int(NumCellKinds):], uint16(gap))

	p.trace.AppendBinary(out[l.TraceOffset:l.TraceOffset])

	binary.LittleEndian.PutUint32(out[l.ClassPoolOffset:], uint32(len(p.classes)))
	for i := range p.classes {
		binary.LittleEndian.PutUint64(out[l.ClassPoolOffset+8+8*i:], uint64(i+1))
	}
	for i, v := range p.lits {
		binary.LittleEndian.PutUint32(out[l.LiteralOffset+4*i:], v)
	}
	return out
}

// DecodeCellCounts reads a counts block written by Image.
func DecodeCellCounts(b []byte) (counts [NumCellKinds]int, gap int) {
	for k := range counts {
		counts[k] = int(binary.LittleEndian.Uint16(b[2*k:]))
	}
	gap = int(binary.LittleEndian.Uint16(b[2*int(NumCellKinds):]))
	return counts, gap
}
