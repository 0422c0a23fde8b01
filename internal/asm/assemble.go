package asm

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/lir"
)

// DefaultMaxRetries bounds the RetryAll passes of Build before the unit is
// sent back to be halved.
const DefaultMaxRetries = 10

// Assemble runs one pass over a unit whose offsets are current. The first
// sub-pass legalizes every record flagged IsPCRel; on Success the second
// packs each record into machine words.
func Assemble(u *Unit, start uintptr) (Status, error) {
	t := u.Target
	if err := checkCells(u); err != nil {
		return Fatal, err
	}
	for r := u.List.First(); r != nil; r = r.Next() {
		if r.IsPseudo() || r.IsNop {
			continue
		}
		if t.Lookup(r.Opcode).Flags&lir.IsPCRel == 0 {
			continue
		}
		if r.Target == nil {
			return Fatal, fmt.Errorf("%s at 0x%x: %w", t.Lookup(r.Opcode).Key, r.Offset, ErrNoTarget)
		}
		if st, err := t.Legalize(u, r, start); st != Success {
			return st, err
		}
	}

	code := make([]byte, 0, u.layout.BodySize)
	for r := u.List.First(); r != nil; r = r.Next() {
		switch {
		case r.Opcode == lir.PseudoAlign:
			for pad := int(r.Operands[1]); pad > 0; pad -= t.UnitSize() {
				code = t.AppendUnits(code, t.Filler(), 1)
			}
		case r.IsPseudo() || r.IsNop:
		default:
			d := t.Lookup(r.Opcode)
			code = t.AppendUnits(code, d.Encode(r.Operands), d.Units)
		}
	}
	if len(code) != u.layout.BodySize {
		return Fatal, fmt.Errorf("packed %d bytes, offsets say %d", len(code), u.layout.BodySize)
	}
	u.code = code
	return Success, nil
}

// Build assigns offsets and assembles until the unit is stable. RetryAll
// passes are bounded by maxRetries; past that the unit is reported as
// RetryHalve so the caller shrinks it.
func Build(u *Unit, start uintptr, maxRetries int) (Status, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	u.code = nil
	for {
		AssignOffsets(u)
		st, err := Assemble(u, start)
		u.Retries++
		switch st {
		case RetryAll:
			if u.Retries < maxRetries {
				if u.Verbose {
					Dump(u.logger(), u, "assembler retry")
				}
				continue
			}
			u.logger().Debug("assembler retries exhausted", "source", fmt.Sprintf("0x%x", u.SourceAddr), "retries", u.Retries)
			u.Retries = 0
			return RetryHalve, nil
		case Fatal:
			if u.Verbose {
				Dump(u.logger(), u, "assembler failure")
			}
			return st, err
		default:
			return st, err
		}
	}
}

// Program returns the assembled output. The unit must have been assembled
// successfully since its last rewrite.
func (u *Unit) Program() (Program, error) {
	if u.code == nil {
		return Program{}, fmt.Errorf("unit 0x%x is not assembled", u.SourceAddr)
	}
	return Program{
		code:    u.code,
		layout:  u.layout,
		cells:   u.Cells(),
		lits:    u.Literals(),
		classes: u.ClassPointers(),
		trace:   u.Trace,
	}, nil
}
