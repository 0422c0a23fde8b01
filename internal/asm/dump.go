package asm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/tracejit/internal/lir"
)

// FormatRecord renders one record. Descriptor formats use !<n><verb>
// directives over operand n: r register, d decimal, x hex, c condition,
// t branch target offset.
func FormatRecord(t lir.Table, r *lir.Record) string {
	switch r.Opcode {
	case lir.PseudoLabel:
		return fmt.Sprintf("L%p:", r)
	case lir.PseudoAlign:
		return fmt.Sprintf(".align %d (pad %d)", r.Operands[0], r.Operands[1])
	case lir.PseudoChainingCell:
		return fmt.Sprintf("-- chaining cell: %v", CellKind(r.Operands[0]))
	case lir.PseudoSourceOffset:
		return fmt.Sprintf("-- source offset 0x%x", r.Operands[0])
	case lir.PseudoBarrier:
		return "-- barrier"
	}
	d := t.Lookup(r.Opcode)
	var b strings.Builder
	b.WriteString(d.Name)
	if d.Format != "" {
		b.WriteByte(' ')
		f := d.Format
		for i := 0; i < len(f); i++ {
			if f[i] != '!' || i+2 >= len(f) || f[i+1] < '0' || f[i+1] > '3' {
				b.WriteByte(f[i])
				continue
			}
			op := r.Operands[f[i+1]-'0']
			switch f[i+2] {
			case 'r':
				fmt.Fprintf(&b, "r%d", op)
			case 'd':
				fmt.Fprintf(&b, "%d", op)
			case 'x':
				fmt.Fprintf(&b, "0x%x", uint32(op))
			case 'c':
				b.WriteString(Cond(op).String())
			case 't':
				if r.Target != nil {
					fmt.Fprintf(&b, "0x%04x", r.Target.Offset)
				} else {
					b.WriteString("?")
				}
			default:
				b.WriteString(f[i : i+3])
			}
			i += 2
		}
	}
	if r.IsNop {
		b.WriteString(" (nop)")
	}
	return b.String()
}

// Dump logs every record of u at debug level.
func Dump(log *slog.Logger, u *Unit, msg string) {
	log.Debug(msg,
		"target", u.Target.Name(),
		"source", fmt.Sprintf("0x%x", u.SourceAddr),
		"records", u.List.Len(),
		"retries", u.Retries,
	)
	for r := u.List.First(); r != nil; r = r.Next() {
		log.Debug(fmt.Sprintf("  0x%04x: %s", r.Offset, FormatRecord(u.Target, r)))
	}
	for i, v := range u.Literals() {
		log.Debug(fmt.Sprintf("  literal[%d]: 0x%08x", i, v))
	}
	for i, c := range u.classes {
		log.Debug(fmt.Sprintf("  class[%d]: %s", i, c))
	}
}
