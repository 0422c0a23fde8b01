package asm

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

// Predicted cell layout. The cell is 8-byte aligned so every key is
// written with a single atomic store.
const (
	PredictedBranchOffset = 0
	PredictedClassOffset  = 8
	PredictedMethodOffset = 16
	PredictedStagedOffset = 24
	PredictedCellSize     = 32
)

// CellSite is a chaining cell found in the body by the offset pass.
type CellSite struct {
	Kind   CellKind
	Offset int
}

// TraceRun is one contiguous run of source instructions in a trace.
type TraceRun struct {
	StartOffset uint32
	NumInsts    uint16
	RunEnd      bool
}

// TraceDescriptor describes what a translation was compiled from.
type TraceDescriptor struct {
	Method vm.MethodRef
	Runs   []TraceRun
}

// Size is the serialized size in bytes, a multiple of 8.
func (d TraceDescriptor) Size() int {
	return 16 + 8*len(d.Runs)
}

// AppendBinary serializes d: method u64, run count u32, pad u32, then one
// 8-byte record per run.
func (d TraceDescriptor) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(d.Method))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(d.Runs)))
	b = binary.LittleEndian.AppendUint32(b, 0)
	for _, r := range d.Runs {
		b = binary.LittleEndian.AppendUint32(b, r.StartOffset)
		b = binary.LittleEndian.AppendUint16(b, r.NumInsts)
		var flags uint16
		if r.RunEnd {
			flags = 1
		}
		b = binary.LittleEndian.AppendUint16(b, flags)
	}
	return b
}

// DecodeTraceDescriptor is the inverse of AppendBinary.
func DecodeTraceDescriptor(b []byte) (TraceDescriptor, error) {
	if len(b) < 16 {
		return TraceDescriptor{}, fmt.Errorf("trace descriptor: short header (%d bytes)", len(b))
	}
	d := TraceDescriptor{Method: vm.MethodRef(binary.LittleEndian.Uint64(b))}
	n := int(binary.LittleEndian.Uint32(b[8:]))
	if len(b) < 16+8*n {
		return TraceDescriptor{}, fmt.Errorf("trace descriptor: %d runs need %d bytes, have %d", n, 16+8*n, len(b))
	}
	for i := 0; i < n; i++ {
		rec := b[16+8*i:]
		d.Runs = append(d.Runs, TraceRun{
			StartOffset: binary.LittleEndian.Uint32(rec),
			NumInsts:    binary.LittleEndian.Uint16(rec[4:]),
			RunEnd:      binary.LittleEndian.Uint16(rec[6:])&1 != 0,
		})
	}
	return d, nil
}

// Unit is one compilation unit: the record list plus everything that is
// installed alongside the code.
type Unit struct {
	Target Target
	List   lir.List

	// SourceAddr keys the translation in the lookup table.
	SourceAddr uint64
	Trace      TraceDescriptor
	// Version is the cache version the unit was started against.
	Version uint64
	// Verbose units dump their records on retries and failures.
	Verbose bool
	Logger  *slog.Logger

	// Retries counts assembly passes in the current attempt.
	Retries int

	literals     lir.List
	literalIndex map[uint32]*lir.Record
	classPool    lir.List
	classes      []vm.ClassIdentity

	cells  []CellSite
	layout Layout
	code   []byte
}

func NewUnit(t Target, sourceAddr uint64) *Unit {
	return &Unit{
		Target:       t,
		SourceAddr:   sourceAddr,
		literalIndex: make(map[uint32]*lir.Record),
	}
}

func (u *Unit) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

// Literal returns the pool entry holding v, adding it if needed.
func (u *Unit) Literal(v uint32) *lir.Record {
	if r, ok := u.literalIndex[v]; ok {
		return r
	}
	r := u.literals.Append(lir.New(lir.PseudoLiteral, int32(v)))
	u.literalIndex[v] = r
	return r
}

// ClassPointer returns the class pool entry for id. Entries are stored
// symbolically and resolved when the unit is installed.
func (u *Unit) ClassPointer(id vm.ClassIdentity) *lir.Record {
	for r := u.classPool.First(); r != nil; r = r.Next() {
		if u.classes[r.Operands[0]] == id {
			return r
		}
	}
	u.classes = append(u.classes, id)
	return u.classPool.Append(lir.New(lir.PseudoLiteral, int32(len(u.classes)-1)))
}

// Literals lists the literal pool values in pool order.
func (u *Unit) Literals() []uint32 {
	var out []uint32
	for r := u.literals.First(); r != nil; r = r.Next() {
		out = append(out, uint32(r.Operands[0]))
	}
	return out
}

// ClassPointers lists the symbolic class pool in pool order.
func (u *Unit) ClassPointers() []vm.ClassIdentity {
	return append([]vm.ClassIdentity(nil), u.classes...)
}

// Cells lists the chaining cells found by the last offset pass.
func (u *Unit) Cells() []CellSite {
	return append([]CellSite(nil), u.cells...)
}

func (u *Unit) Layout() Layout { return u.layout }

// InstructionCount counts live real records.
func (u *Unit) InstructionCount() int {
	n := 0
	for r := u.List.First(); r != nil; r = r.Next() {
		if !r.IsPseudo() && !r.IsNop {
			n++
		}
	}
	return n
}

// ChainingCell emits a direct chaining cell at the end of the list.
func (u *Unit) ChainingCell(kind CellKind, slot int, payload uint32) *lir.Record {
	if !kind.Direct() {
		panic("asm: ChainingCell called for a predicted cell")
	}
	u.List.Align(4)
	marker := u.List.Append(lir.New(lir.PseudoChainingCell, int32(kind)))
	u.Target.DirectCell(u, kind, slot, payload)
	return marker
}

// PredictedCell emits an empty predicted cell: the initial branch, a zero
// word, and zeroed class, method and staged keys.
func (u *Unit) PredictedCell() *lir.Record {
	u.List.Align(8)
	marker := u.List.Append(lir.New(lir.PseudoChainingCell, int32(CellPredicted)))
	u.Target.DataWord(u, u.Target.PredictedBranchInit())
	for i := 4; i < PredictedCellSize; i += 4 {
		u.Target.DataWord(u, 0)
	}
	return marker
}
