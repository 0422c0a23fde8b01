// Package synth is a front end for synthetic traces. Each trace is a shape
// (length, per-instruction width, immediates, class loads and exits)
// rather than real bytecode, which is enough to drive the assembler, the
// installer and the chaining machinery from tools and tests.
package synth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

var ErrUnknownTrace = errors.New("synth: unknown trace")

// Dispatcher slots used by the direct cells of each kind.
const (
	SlotNormal    = 0
	SlotHot       = 1
	SlotSingleton = 2
	SlotBackward  = 3
)

// Registers used by lowered code.
const (
	regTest  = 0
	regImm   = 1
	regClass = 2
	regCall  = 3
)

// Trace describes one synthetic trace.
type Trace struct {
	Source uint64
	Method vm.MethodRef
	// Length is the number of source instructions.
	Length int
	// Width is how many target instructions one source instruction
	// lowers to. Zero means one.
	Width int
	// Immediates are loaded one per source instruction from the start of
	// the trace; values that do not fit an immediate form go to the
	// literal pool.
	Immediates []int32
	// Classes are loaded through the class pool at trace entry.
	Classes []vm.ClassIdentity
	// Successors each get a normal chaining cell and a conditional exit.
	// With none, the trace falls through to the instruction after it.
	Successors []uint64
	Hot        bool
	Singleton  bool
	// Invokes is the number of predicted cells.
	Invokes int
	// Loop adds a backward-branch cell that re-enters the trace.
	Loop bool
}

// Frontend lowers registered traces.
type Frontend struct {
	mu     sync.RWMutex
	traces map[uint64]Trace
}

func New(traces ...Trace) *Frontend {
	f := &Frontend{traces: make(map[uint64]Trace)}
	for _, t := range traces {
		f.Add(t)
	}
	return f
}

// Add registers t, replacing any trace with the same source.
func (f *Frontend) Add(t Trace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces[t.Source] = t
}

func (f *Frontend) Trace(source uint64) (Trace, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.traces[source]
	return t, ok
}

// Lower builds the unit for the trace at source, truncated to maxInsts
// source instructions. Exits of a truncated trace keep their cells.
func (f *Frontend) Lower(tg asm.Target, source uint64, maxInsts int) (*asm.Unit, error) {
	tr, ok := f.Trace(source)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownTrace, source)
	}
	if tr.Length <= 0 {
		return nil, fmt.Errorf("synth: trace 0x%x has no instructions", source)
	}
	n := min(tr.Length, maxInsts)
	width := max(tr.Width, 1)

	u := asm.NewUnit(tg, source)
	u.Trace = asm.TraceDescriptor{
		Method: tr.Method,
		Runs:   []asm.TraceRun{{StartOffset: uint32(source), NumInsts: uint16(n), RunEnd: true}},
	}

	for _, id := range tr.Classes {
		tg.LoadClassPointer(u, regClass, id)
	}
	for i := 0; i < n; i++ {
		u.List.Append(lir.New(lir.PseudoSourceOffset, int32(i)))
		if i < len(tr.Immediates) {
			tg.LoadImmediate(u, regImm, tr.Immediates[i])
		}
		for w := 0; w < width; w++ {
			tg.Nop(u)
		}
	}

	successors := tr.Successors
	if len(successors) == 0 {
		successors = []uint64{source + uint64(n)}
	}
	// Exits are emitted before their cells exist; targets are filled in
	// once the cells are placed.
	var exits []*lir.Record
	for range successors[1:] {
		exits = append(exits, tg.BranchIfZero(u, regTest, nil))
	}
	var calls []*lir.Record
	for i := 0; i < tr.Invokes; i++ {
		calls = append(calls, tg.BranchIfZero(u, regCall, nil))
	}
	fallthru := tg.Branch(u, nil)

	var cells []*lir.Record
	for _, s := range successors {
		cells = append(cells, u.ChainingCell(asm.CellNormal, SlotNormal, uint32(s)))
	}
	fallthru.Target = cells[0]
	for i, br := range exits {
		br.Target = cells[i+1]
	}
	if tr.Hot {
		u.ChainingCell(asm.CellHot, SlotHot, uint32(source))
	}
	if tr.Singleton {
		u.ChainingCell(asm.CellSingleton, SlotSingleton, uint32(source))
	}
	for _, br := range calls {
		br.Target = u.PredictedCell()
	}
	if tr.Loop {
		u.ChainingCell(asm.CellBackwardBranch, SlotBackward, uint32(source))
	}
	return u, nil
}
