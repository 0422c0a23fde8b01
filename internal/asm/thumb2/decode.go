package thumb2

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/tracejit/internal/lir"
)

func signExtend(v uint32, width uint) int32 {
	shift := 32 - width
	return int32(v<<shift) >> shift
}

// fieldMask is the set of bits the descriptor's operands may change.
func fieldMask(d *lir.Descriptor) uint32 {
	var m uint32
	for _, f := range d.Fields {
		if f.Kind == lir.FieldUnused {
			continue
		}
		one := lir.Descriptor{Fields: [4]lir.Field{f, none, none, none}}
		m |= one.Encode([4]int32{-1})
	}
	return m
}

// is32 reports whether a first halfword starts a 32-bit Thumb-2 encoding.
func is32(first uint16) bool {
	return first>>11 == 0x1d || first>>11 == 0x1e || first>>11 == 0x1f
}

// Decode matches the instruction at code[off:] against the table. It
// returns the descriptor and the packed word, or ok=false. When several
// encodings match, the most specific one (fewest variable bits) wins.
func Decode(code []byte, off int) (d *lir.Descriptor, word uint32, ok bool) {
	if off+2 > len(code) {
		return nil, 0, false
	}
	first := binary.LittleEndian.Uint16(code[off:])
	if is32(first) && off+4 <= len(code) {
		w := uint32(first)<<16 | uint32(binary.LittleEndian.Uint16(code[off+2:]))
		if d := match(w, 2); d != nil {
			return d, w, true
		}
	}
	if d := match(uint32(first), 1); d != nil {
		return d, uint32(first), true
	}
	return nil, 0, false
}

func match(w uint32, units int) *lir.Descriptor {
	var best *lir.Descriptor
	bestBits := 33
	for i := range table {
		c := &table[i]
		if c.Units != units {
			continue
		}
		m := fieldMask(c)
		if w&^m != c.Skeleton {
			continue
		}
		if n := popcount(m); n < bestBits {
			best, bestBits = c, n
		}
	}
	return best
}

func popcount(v uint32) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// BranchTarget decodes the pc-relative instruction at code[off:] and
// returns the body offset it refers to.
func BranchTarget(code []byte, off int) (target int, d *lir.Descriptor, ok bool) {
	d, w, ok := Decode(code, off)
	if !ok || d.Flags&lir.IsPCRel == 0 {
		return 0, d, false
	}
	pc := off + 4
	switch d.Opcode {
	case BCond:
		return pc + int(signExtend(d.Fields[0].Extract(w), 8))*2, d, true
	case BUncond:
		return pc + int(signExtend(d.Fields[0].Extract(w), 11))*2, d, true
	case Thumb2Cbz, Thumb2Cbnz:
		return pc + int(d.Fields[1].Extract(w))*2, d, true
	case Thumb2BCond:
		return pc + int(signExtend(d.Fields[0].Extract(w), 20))*2, d, true
	case LdrPcRel, AddPcRel:
		return pc&^3 + int(d.Fields[1].Extract(w))*4, d, true
	case Thumb2LdrPcRel12:
		return pc&^3 + int(d.Fields[1].Extract(w)), d, true
	case Bl1, Blx1:
		if off+4 > len(code) {
			return 0, d, false
		}
		second := uint32(binary.LittleEndian.Uint16(code[off+2:]))
		delta := signExtend((w&0x7ff)<<11|second&0x7ff, 22)
		return pc + int(delta)*2, d, true
	}
	return 0, d, false
}

// Listing renders code one instruction per line using the table's
// mnemonics. Halfwords no descriptor matches are printed as .short.
func Listing(code []byte) string {
	var b strings.Builder
	for off := 0; off+2 <= len(code); {
		d, w, ok := Decode(code, off)
		if !ok {
			fmt.Fprintf(&b, "%04x: %04x      .short 0x%04x\n", off, binary.LittleEndian.Uint16(code[off:]), binary.LittleEndian.Uint16(code[off:]))
			off += 2
			continue
		}
		if d.Units == 2 {
			fmt.Fprintf(&b, "%04x: %08x  %s", off, w, d.Name)
		} else {
			fmt.Fprintf(&b, "%04x: %04x      %s", off, w, d.Name)
		}
		if target, _, ok := BranchTarget(code, off); ok {
			fmt.Fprintf(&b, " -> 0x%04x", target)
		}
		b.WriteByte('\n')
		off += 2 * d.Units
	}
	return b.String()
}
