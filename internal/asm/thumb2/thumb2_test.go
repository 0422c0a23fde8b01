package thumb2

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
)

func newUnit() *asm.Unit {
	return asm.NewUnit(New(), 0x1000)
}

func nops(u *asm.Unit, n int) {
	for i := 0; i < n; i++ {
		New().Nop(u)
	}
}

func assemble(t *testing.T, u *asm.Unit) (asm.Status, error) {
	t.Helper()
	asm.AssignOffsets(u)
	return asm.Assemble(u, 0x10000)
}

func mustProgram(t *testing.T, u *asm.Unit) []byte {
	t.Helper()
	p, err := u.Program()
	if err != nil {
		t.Fatalf("Program()=%v", err)
	}
	return p.Bytes()
}

func TestTableValid(t *testing.T) {
	if len(table) != int(numOpcodes) {
		t.Fatalf("table has %d entries, want %d", len(table), numOpcodes)
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("Validate()=%v", err)
	}
}

func TestEncodeKnownWords(t *testing.T) {
	tests := []struct {
		name string
		op   lir.Opcode
		args [4]int32
		want uint32
	}{
		{"movs r1, #7", MovImm, [4]int32{R1, 7}, 0x2107},
		{"cmp r0, #0", CmpRI8, [4]int32{R0, 0}, 0x2800},
		{"orrs r0, r0", Orr, [4]int32{R0, R0}, orrR0R0},
		{"ldr r0, [r6, #8]", LdrRRI5, [4]int32{R0, RSelf, 2}, 0x68b0},
		{"blx r0", BlxR, [4]int32{R0}, 0x4780},
		{"movw r2, #0x1234", Thumb2MovImm16, [4]int32{R2, 0x1234}, 0xf2412234},
		{"ldr.w r3, [r4, #16]", Thumb2LdrRRI12, [4]int32{R3, R4, 16}, 0xf8d43010},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.Lookup(tt.op).Encode(tt.args); got != tt.want {
				t.Fatalf("Encode()=0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}

// A cbz whose target lies 130 bytes ahead is rewritten into a compare
// against zero and a conditional branch, and the second pass succeeds.
func TestCbzOutOfRangeRewrite(t *testing.T) {
	u := newUnit()
	done := lir.New(lir.PseudoLabel)
	New().BranchIfZero(u, R0, done)
	nops(u, 65)
	u.List.Append(done)
	New().Nop(u)

	asm.AssignOffsets(u)
	if got := done.Offset - 4; got != 128 {
		t.Fatalf("setup: delta=%d, want 128", got)
	}
	st, err := asm.Assemble(u, 0x10000)
	if st != asm.RetryAll || err != nil {
		t.Fatalf("first pass=%v, %v; want retry-all", st, err)
	}

	cmp := u.List.First()
	br := cmp.Next()
	if cmp.Opcode != CmpRI8 || cmp.Operands[0] != R0 || cmp.Operands[1] != 0 || cmp.Target != nil {
		t.Fatalf("first record=%s, want cmp r0, #0", asm.FormatRecord(table, cmp))
	}
	if br.Opcode != BCond || asm.Cond(br.Operands[1]) != asm.CondEQ || br.Target != done {
		t.Fatalf("second record=%s, want beq to label", asm.FormatRecord(table, br))
	}
	if cmp.DefMask&lir.MaskCCodes == 0 || br.UseMask&lir.MaskCCodes == 0 {
		t.Fatalf("resource masks not recomputed")
	}

	st, err = assemble(t, u)
	if st != asm.Success || err != nil {
		t.Fatalf("second pass=%v, %v; want success", st, err)
	}
	code := mustProgram(t, u)
	target, d, ok := BranchTarget(code, br.Offset)
	if !ok || d.Opcode != BCond || target != done.Offset {
		t.Fatalf("decoded branch target=%d (%v), want %d", target, ok, done.Offset)
	}
}

// Beyond the short b.cond reach the rewrite goes straight to the wide
// form: one RetryAll, then success.
func TestCbzFarRewriteIsWide(t *testing.T) {
	u := newUnit()
	done := lir.New(lir.PseudoLabel)
	New().BranchIfZero(u, R0, done)
	nops(u, 200)
	u.List.Append(done)
	New().Nop(u)

	var seq []asm.Status
	for i := 0; i < 4; i++ {
		st, err := assemble(t, u)
		if err != nil {
			t.Fatalf("pass %d=%v, %v", i, st, err)
		}
		seq = append(seq, st)
		if st != asm.RetryAll {
			break
		}
	}
	if len(seq) != 2 || seq[0] != asm.RetryAll || seq[1] != asm.Success {
		t.Fatalf("status sequence=%v, want [retry-all success]", seq)
	}

	br := u.List.First().Next()
	if br.Opcode != Thumb2BCond || asm.Cond(br.Operands[1]) != asm.CondEQ {
		t.Fatalf("branch=%s, want wide beq", asm.FormatRecord(table, br))
	}
	target, d, ok := BranchTarget(mustProgram(t, u), br.Offset)
	if !ok || d.Opcode != Thumb2BCond || target != done.Offset {
		t.Fatalf("decoded branch target=%d (%v), want %d", target, ok, done.Offset)
	}
}

func TestCbnzBackwardRewritesToBne(t *testing.T) {
	u := newUnit()
	top := u.List.Label()
	New().Nop(u)
	cbnz := u.List.Append(lir.NewBranch(Thumb2Cbnz, top, R1))
	lir.SetupResourceMasks(cbnz, table)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	br := cbnz.Next()
	if br.Opcode != BCond || asm.Cond(br.Operands[1]) != asm.CondNE {
		t.Fatalf("rewrite=%s, want bne", asm.FormatRecord(table, br))
	}
	target, _, ok := BranchTarget(mustProgram(t, u), br.Offset)
	if !ok || target != top.Offset {
		t.Fatalf("target=%d, want %d", target, top.Offset)
	}
}

func TestShortCondBranchWidens(t *testing.T) {
	u := newUnit()
	done := lir.New(lir.PseudoLabel)
	br := u.List.Append(lir.NewBranch(BCond, done, 0, int32(asm.CondGT)))
	nops(u, 200)
	u.List.Append(done)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	if br.Opcode != Thumb2BCond {
		t.Fatalf("branch not widened: %s", asm.FormatRecord(table, br))
	}
	if u.Retries != 2 {
		t.Fatalf("Retries=%d, want 2", u.Retries)
	}
	target, _, ok := BranchTarget(mustProgram(t, u), br.Offset)
	if !ok || target != done.Offset {
		t.Fatalf("target=%d, want %d", target, done.Offset)
	}
}

func TestBranchDisplacementRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		op       lir.Opcode
		before   int
		after    int
		backward bool
	}{
		{"b forward", BUncond, 0, 500, false},
		{"b backward", BUncond, 700, 0, true},
		{"bcond forward", BCond, 0, 100, false},
		{"bcond backward", BCond, 120, 0, true},
		{"bcond.w far", Thumb2BCond, 0, 30000, false},
		{"bcond.w back", Thumb2BCond, 30000, 0, true},
		{"cbz", Thumb2Cbz, 0, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUnit()
			label := lir.New(lir.PseudoLabel)
			if tt.backward {
				u.List.Append(label)
			}
			nops(u, tt.before)
			br := lir.NewBranch(tt.op, label, 0, int32(asm.CondNE))
			if tt.op == Thumb2Cbz {
				br = lir.NewBranch(tt.op, label, R2)
			}
			u.List.Append(br)
			lir.SetupResourceMasks(br, table)
			nops(u, tt.after)
			if !tt.backward {
				u.List.Append(label)
			}
			New().Nop(u)

			st, err := asm.Build(u, 0, 0)
			if st != asm.Success || err != nil {
				t.Fatalf("Build()=%v, %v", st, err)
			}
			if br.Opcode != tt.op {
				t.Fatalf("opcode changed to %s", table.Lookup(br.Opcode).Key)
			}
			target, _, ok := BranchTarget(mustProgram(t, u), br.Offset)
			if !ok || target != label.Offset {
				t.Fatalf("target=%d (ok=%v), want %d", target, ok, label.Offset)
			}
		})
	}
}

func TestUncondOverflowIsFatal(t *testing.T) {
	u := newUnit()
	done := lir.New(lir.PseudoLabel)
	New().Branch(u, done)
	nops(u, 1100)
	u.List.Append(done)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Fatal {
		t.Fatalf("Build()=%v, want fatal", st)
	}
	if !errors.Is(err, asm.ErrDisplacement) {
		t.Fatalf("err=%v, want ErrDisplacement", err)
	}
	var de *asm.DisplacementError
	if !errors.As(err, &de) || de.Key != "b" {
		t.Fatalf("err=%v, want DisplacementError for b", err)
	}
}

func TestLiteralOutOfRangeHalves(t *testing.T) {
	u := newUnit()
	New().LoadImmediate(u, R0, 0x12345678)
	nops(u, 600)

	st, err := asm.Build(u, 0, 0)
	if st != asm.RetryHalve || err != nil {
		t.Fatalf("Build()=%v, %v; want retry-halve", st, err)
	}
}

func TestLiteralLoad(t *testing.T) {
	u := newUnit()
	ldr := New().LoadImmediate(u, R3, 0x12345678)
	nops(u, 3)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	p, _ := u.Program()
	image := p.Image()
	target, d, ok := BranchTarget(image, ldr.Offset)
	if !ok || d.Opcode != LdrPcRel {
		t.Fatalf("decode failed: %v", ok)
	}
	if target != p.Layout().LiteralOffset {
		t.Fatalf("literal at %d, want %d", target, p.Layout().LiteralOffset)
	}
	if got := binary.LittleEndian.Uint32(image[target:]); got != 0x12345678 {
		t.Fatalf("literal=0x%x", got)
	}
}

func TestBlPair(t *testing.T) {
	u := newUnit()
	fn := lir.New(lir.PseudoLabel)
	u.List.Append(lir.NewBranch(Bl1, fn))
	u.List.Append(lir.New(Bl2))
	nops(u, 3000)
	u.List.Append(fn)
	New().Nop(u)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	target, _, ok := BranchTarget(mustProgram(t, u), 0)
	if !ok || target != fn.Offset {
		t.Fatalf("bl target=%d, want %d", target, fn.Offset)
	}
}

func TestAlignmentPadding(t *testing.T) {
	u := newUnit()
	New().Nop(u)
	align := u.List.Align(4)
	after := New().Nop(u)

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	if align.Operands[1] != 2 || after.Offset != 4 {
		t.Fatalf("pad=%d after=%d, want 2 and 4", align.Operands[1], after.Offset)
	}
	code := mustProgram(t, u)
	if got := binary.LittleEndian.Uint16(code[2:]); got != paddingMovR5R5 {
		t.Fatalf("padding=0x%x, want 0x%x", got, paddingMovR5R5)
	}
}

func TestChainingCellsEncode(t *testing.T) {
	u := newUnit()
	New().Nop(u)
	u.ChainingCell(asm.CellNormal, 3, 0xcafe)
	u.ChainingCell(asm.CellHot, 4, 0xbeef)
	u.PredictedCell()

	st, err := asm.Build(u, 0, 0)
	if st != asm.Success || err != nil {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	cells := u.Cells()
	if len(cells) != 3 {
		t.Fatalf("found %d cells, want 3", len(cells))
	}
	code := mustProgram(t, u)
	for _, c := range cells[:2] {
		if c.Offset%4 != 0 {
			t.Fatalf("%v cell at 0x%x not word aligned", c.Kind, c.Offset)
		}
		w := binary.LittleEndian.Uint32(code[c.Offset:])
		if !New().IsUnchained(w) || w != orrR0R0<<16|unchainedBranch {
			t.Fatalf("%v cell word=0x%08x, want unchained", c.Kind, w)
		}
	}
	if got := binary.LittleEndian.Uint32(code[cells[0].Offset+8:]); got != 0xcafe {
		t.Fatalf("payload=0x%x", got)
	}
	pred := cells[2]
	if pred.Kind != asm.CellPredicted || pred.Offset%8 != 0 {
		t.Fatalf("predicted cell %+v", pred)
	}
	if w := binary.LittleEndian.Uint32(code[pred.Offset:]); w != branchSelf {
		t.Fatalf("predicted branch=0x%x, want 0x%x", w, branchSelf)
	}
	if len(code)-pred.Offset != asm.PredictedCellSize {
		t.Fatalf("predicted cell size=%d", len(code)-pred.Offset)
	}
}

func TestCellsOutOfOrderFatal(t *testing.T) {
	u := newUnit()
	u.ChainingCell(asm.CellHot, 0, 0)
	u.ChainingCell(asm.CellNormal, 0, 0)
	if st, err := asm.Build(u, 0, 0); st != asm.Fatal || err == nil {
		t.Fatalf("Build()=%v, %v; want fatal", st, err)
	}
}

func TestChainUnchainInverse(t *testing.T) {
	tgt := New()
	initial := uint32(orrR0R0<<16 | unchainedBranch)
	tests := []struct {
		name   string
		site   int
		target int
	}{
		{"near forward", 0x100, 0x400},
		{"near backward", 0x800, 0x20},
		{"far forward", 0x100, 0x100000},
		{"far backward", 0x200000, 0x40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := tgt.ChainBranch(tt.site, tt.target)
			if err != nil {
				t.Fatalf("ChainBranch()=%v", err)
			}
			if !tgt.CanReplace(initial, w) {
				t.Fatalf("cannot chain a fresh cell")
			}
			if got, ok := BranchWordTarget(tt.site, w); !ok || got != tt.target {
				t.Fatalf("decoded target=0x%x, want 0x%x", got, tt.target)
			}
			un := tgt.UnchainBranch(w)
			if !tgt.IsUnchained(un) || un>>16 != w>>16 {
				t.Fatalf("unchain changed the second half: 0x%08x -> 0x%08x", w, un)
			}
			if tgt.UnchainBranch(un) != un {
				t.Fatalf("unchain not idempotent")
			}
			again, _ := tgt.ChainBranch(tt.site, tt.target)
			if !tgt.CanReplace(un, again) {
				t.Fatalf("cannot rechain to the same target")
			}
		})
	}

	if _, err := tgt.ChainBranch(0, 1<<23); !errors.Is(err, asm.ErrDisplacement) {
		t.Fatalf("far chain err=%v, want ErrDisplacement", err)
	}
	near, _ := tgt.ChainBranch(0, 0x40)
	far, _ := tgt.ChainBranch(0, 0x10000)
	if tgt.CanReplace(far, near) {
		t.Fatalf("near chain over a far second half must be refused")
	}
}

func TestDecodeIdentifiesEncodings(t *testing.T) {
	for i := range table {
		d := &table[i]
		if d.Opcode == Data16 || d.Opcode == Bl2 || d.Opcode == Blx1 || d.Opcode == Blx2 {
			continue
		}
		buf := New().AppendUnits(nil, d.Skeleton, d.Units)
		got, _, ok := Decode(buf, 0)
		if !ok {
			t.Fatalf("%s: skeleton not decoded", d.Key)
		}
		if got.Skeleton != d.Skeleton || got.Units != d.Units {
			t.Fatalf("%s: decoded as %s", d.Key, got.Key)
		}
	}
}

func TestListing(t *testing.T) {
	u := newUnit()
	top := u.List.Label()
	New().Nop(u)
	New().Branch(u, top)
	if st, err := assemble(t, u); st != asm.Success {
		t.Fatalf("Assemble()=%v, %v", st, err)
	}
	lines := strings.Split(strings.TrimSpace(Listing(mustProgram(t, u))), "\n")
	if len(lines) < 2 {
		t.Fatalf("Listing()=%q", lines)
	}
	if !strings.HasSuffix(lines[0], "nop") || !strings.HasSuffix(lines[1], "b -> 0x0000") {
		t.Fatalf("Listing()=%q", lines)
	}
}
