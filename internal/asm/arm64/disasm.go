package arm64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Line is one disassembled instruction.
type Line struct {
	Offset int
	Word   uint32
	Text   string
	// Target is the body offset a pc-relative operand refers to.
	Target    int
	HasTarget bool
}

// Disassemble decodes code with GNU syntax. Words the decoder rejects are
// rendered as .word so padding and data never stop a listing.
func Disassemble(code []byte) []Line {
	var out []Line
	for off := 0; off+4 <= len(code); off += 4 {
		l := Line{Offset: off, Word: uint32(code[off]) | uint32(code[off+1])<<8 | uint32(code[off+2])<<16 | uint32(code[off+3])<<24}
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			l.Text = fmt.Sprintf(".word 0x%08x", l.Word)
			out = append(out, l)
			continue
		}
		l.Text = arm64asm.GNUSyntax(inst)
		for _, a := range inst.Args {
			if rel, ok := a.(arm64asm.PCRel); ok {
				l.Target = off + int(rel)
				l.HasTarget = true
			}
		}
		out = append(out, l)
	}
	return out
}

// Listing renders Disassemble output one instruction per line.
func Listing(code []byte) string {
	var b strings.Builder
	for _, l := range Disassemble(code) {
		fmt.Fprintf(&b, "%04x: %08x  %s\n", l.Offset, l.Word, l.Text)
	}
	return b.String()
}
