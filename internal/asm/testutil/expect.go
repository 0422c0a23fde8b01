// Package testutil checks disassembly listings against expected
// instruction shapes.
package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// DisasmLine is one disassembled instruction.
type DisasmLine struct {
	Offset     int
	Text       string
	Mnemonic   string
	Normalized string
}

// NewLine splits text into a mnemonic and a whitespace-free operand form
// so expectations need not care about spacing.
func NewLine(offset int, text string) DisasmLine {
	text = strings.TrimSpace(text)
	mnemonic, _, _ := strings.Cut(text, " ")
	return DisasmLine{
		Offset:     offset,
		Text:       text,
		Mnemonic:   strings.ToLower(mnemonic),
		Normalized: strings.ToLower(strings.Join(strings.Fields(text), "")),
	}
}

func (l DisasmLine) Contains(needle string) bool {
	return strings.Contains(l.Normalized, strings.ToLower(strings.Join(strings.Fields(needle), "")))
}

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations checks expect against the leading lines in order.
// Lines past the last expectation are ignored so cells and pools after
// the body do not fail the test.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at 0x%04x: %v\nline: %s", exp.Name, line.Offset, err, line.Text)
		}
	}
}
