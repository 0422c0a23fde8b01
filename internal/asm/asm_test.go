package asm_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/arm64"
	"github.com/tinyrange/tracejit/internal/asm/thumb2"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

func targets() []asm.Target {
	return []asm.Target{thumb2.New(), arm64.New()}
}

// A single RetryAll pass exhausts a budget of one and is reported as
// RetryHalve so the caller rebuilds a shorter trace.
func TestBuildRetryBudget(t *testing.T) {
	u := asm.NewUnit(thumb2.New(), 0x40)
	done := lir.New(lir.PseudoLabel)
	thumb2.New().BranchIfZero(u, thumb2.R0, done)
	for i := 0; i < 100; i++ {
		thumb2.New().Nop(u)
	}
	u.List.Append(done)

	st, err := asm.Build(u, 0, 1)
	if st != asm.RetryHalve || err != nil {
		t.Fatalf("Build()=%v, %v; want retry-halve", st, err)
	}
	if _, err := u.Program(); err == nil {
		t.Fatalf("Program() succeeded on an unassembled unit")
	}

	st, err = asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build() after rewrite=%v, %v", st, err)
	}
}

func TestLayoutAndImage(t *testing.T) {
	for _, tg := range targets() {
		t.Run(tg.Name(), func(t *testing.T) {
			u := asm.NewUnit(tg, 0x1234)
			u.Trace = asm.TraceDescriptor{
				Method: 0x5000,
				Runs: []asm.TraceRun{
					{StartOffset: 4, NumInsts: 3},
					{StartOffset: 20, NumInsts: 1, RunEnd: true},
				},
			}
			tg.LoadImmediate(u, 1, -7)
			tg.LoadClassPointer(u, 2, vm.ClassIdentity{Descriptor: "LFoo;", Loader: 1})
			tg.LoadClassPointer(u, 3, vm.ClassIdentity{Descriptor: "LBar;", Loader: 1})
			tg.Nop(u)
			u.ChainingCell(asm.CellNormal, 0, 0x100)
			u.ChainingCell(asm.CellNormal, 0, 0x200)
			u.ChainingCell(asm.CellSingleton, 1, 0x300)
			u.PredictedCell()

			if st, err := asm.Build(u, 0, 0); st != asm.Success || err != nil {
				t.Fatalf("Build()=%v, %v", st, err)
			}
			p, err := u.Program()
			if err != nil {
				t.Fatalf("Program()=%v", err)
			}
			l := p.Layout()
			if l.CountsOffset%8 != 0 || l.CountsOffset < l.BodySize || l.CountsOffset-l.BodySize >= 8 {
				t.Fatalf("counts at %d for body %d", l.CountsOffset, l.BodySize)
			}
			if l.TraceOffset != l.CountsOffset+asm.CellCountsSize {
				t.Fatalf("trace at %d, want %d", l.TraceOffset, l.CountsOffset+asm.CellCountsSize)
			}
			if l.ClassPoolOffset != l.TraceOffset+u.Trace.Size() || l.ClassPoolOffset%8 != 0 {
				t.Fatalf("class pool at %d", l.ClassPoolOffset)
			}
			if l.LiteralOffset != l.ClassPoolOffset+8+16 {
				t.Fatalf("literals at %d, want %d", l.LiteralOffset, l.ClassPoolOffset+24)
			}
			if l.TotalSize%8 != 0 || l.TotalSize < l.LiteralOffset+4 {
				t.Fatalf("total size %d", l.TotalSize)
			}

			img := p.Image()
			counts, gap := asm.DecodeCellCounts(img[l.CountsOffset:])
			want := [asm.NumCellKinds]int{asm.CellNormal: 2, asm.CellSingleton: 1, asm.CellPredicted: 1}
			if counts != want {
				t.Fatalf("counts=%v, want %v", counts, want)
			}
			if gap != (l.CountsOffset-l.BodySize)/4 {
				t.Fatalf("gap=%d", gap)
			}
			trace, err := asm.DecodeTraceDescriptor(img[l.TraceOffset:])
			if err != nil {
				t.Fatalf("DecodeTraceDescriptor()=%v", err)
			}
			if trace.Method != u.Trace.Method || len(trace.Runs) != 2 || trace.Runs[1] != u.Trace.Runs[1] {
				t.Fatalf("trace=%+v, want %+v", trace, u.Trace)
			}
		})
	}
}

func TestCellKindNames(t *testing.T) {
	for k := asm.CellNormal; k < asm.NumCellKinds; k++ {
		got, err := asm.ParseCellKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseCellKind(%q)=%v, %v", k.String(), got, err)
		}
	}
	if _, err := asm.ParseCellKind("lukewarm"); err == nil {
		t.Fatalf("ParseCellKind accepted an unknown name")
	}
	if asm.CellPredicted.Direct() || !asm.CellHot.Direct() {
		t.Fatalf("Direct() misclassifies kinds")
	}
}

func TestCondInvert(t *testing.T) {
	pairs := [][2]asm.Cond{
		{asm.CondEQ, asm.CondNE},
		{asm.CondGE, asm.CondLT},
		{asm.CondHI, asm.CondLS},
	}
	for _, p := range pairs {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Fatalf("%v and %v are not inverses", p[0], p[1])
		}
	}
}

func TestFormatRecord(t *testing.T) {
	u := asm.NewUnit(arm64.New(), 0)
	done := lir.New(lir.PseudoLabel)
	br := u.List.Append(lir.NewBranch(arm64.BCond, done, 0, int32(asm.CondNE)))
	u.List.Append(done)
	arm64.New().Nop(u)
	asm.AssignOffsets(u)

	got := asm.FormatRecord(u.Target, br)
	if !strings.HasPrefix(got, "b.cond ne 0x0004") {
		t.Fatalf("FormatRecord()=%q", got)
	}
	if got := asm.FormatRecord(u.Target, lir.New(lir.PseudoAlign, 8, 4)); got != ".align 8 (pad 4)" {
		t.Fatalf("align=%q", got)
	}
}

func TestStatusString(t *testing.T) {
	if asm.RetryHalve.String() != "retry-halve" || asm.Status(9).String() != "Status(9)" {
		t.Fatalf("unexpected status names")
	}
}

func TestVerboseRetryDumpsRecords(t *testing.T) {
	var buf bytes.Buffer
	u := asm.NewUnit(thumb2.New(), 0x40)
	u.Verbose = true
	u.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	done := lir.New(lir.PseudoLabel)
	thumb2.New().BranchIfZero(u, thumb2.R0, done)
	for i := 0; i < 100; i++ {
		thumb2.New().Nop(u)
	}
	u.List.Append(done)

	if st, err := asm.Build(u, 0, 0); st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	out := buf.String()
	if !strings.Contains(out, "assembler retry") || !strings.Contains(out, "nop") {
		t.Fatalf("dump missing records:\n%s", out)
	}
}
