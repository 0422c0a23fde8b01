// Package chain patches chaining cells in installed translations.
//
// A direct cell starts with one patchable branch word: unchained it falls
// through into a call to the dispatcher, chained it jumps straight to
// another translation. A predicted cell is an inline cache keyed by the
// receiver class; mutators read it without locks and the compiler thread
// patches it under the rules in PatchPredicted.
package chain

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/codecache"
	"github.com/tinyrange/tracejit/internal/vm"
)

// Cell is a chaining cell installed at a code cache offset. It is either a
// DirectCell or a PredictedCell.
type Cell interface {
	Offset() int
	Kind() asm.CellKind
	isCell()
}

// DirectCell is a Normal, Hot, Singleton or BackwardBranch cell.
type DirectCell struct {
	At       int
	CellKind asm.CellKind
}

func (c DirectCell) Offset() int        { return c.At }
func (c DirectCell) Kind() asm.CellKind { return c.CellKind }
func (DirectCell) isCell()              {}

// PredictedCell is an inline cache cell.
type PredictedCell struct {
	At int
}

func (c PredictedCell) Offset() int      { return c.At }
func (PredictedCell) Kind() asm.CellKind { return asm.CellPredicted }
func (PredictedCell) isCell()            {}

func (c PredictedCell) branch() int { return c.At + asm.PredictedBranchOffset }
func (c PredictedCell) class() int  { return c.At + asm.PredictedClassOffset }
func (c PredictedCell) method() int { return c.At + asm.PredictedMethodOffset }
func (c PredictedCell) staged() int { return c.At + asm.PredictedStagedOffset }

// Cells converts the cell sites of a program installed with its body at
// entry into cells.
func Cells(entry int, sites []asm.CellSite) []Cell {
	out := make([]Cell, 0, len(sites))
	for _, s := range sites {
		if s.Kind == asm.CellPredicted {
			out = append(out, PredictedCell{At: entry + s.Offset})
		} else {
			out = append(out, DirectCell{At: entry + s.Offset, CellKind: s.Kind})
		}
	}
	return out
}

// PredictedContent is the full state of a predicted cell.
type PredictedContent struct {
	Branch uint32
	Class  vm.ClassRef
	Method vm.MethodRef
	Staged vm.ClassRef
}

func (p PredictedContent) String() string {
	return fmt.Sprintf("{branch 0x%08x class %v method 0x%x staged %v}", p.Branch, p.Class, uint64(p.Method), p.Staged)
}

// Read loads the cell. The fields are read one at a time, so a concurrent
// patch may be observed half applied; only the class key is authoritative.
func (c PredictedCell) Read(mem *codecache.Cache) PredictedContent {
	return PredictedContent{
		Class:  vm.ClassRef(mem.Load64(c.class())),
		Branch: mem.Load32(c.branch()),
		Method: vm.MethodRef(mem.Load64(c.method())),
		Staged: vm.ClassRef(mem.Load64(c.staged())),
	}
}

// write stores every field of p with the class key last.
func (c PredictedCell) write(w *codecache.WriteAccess, p PredictedContent) {
	w.Store64(c.staged(), uint64(p.Staged))
	w.Store64(c.method(), uint64(p.Method))
	w.Store32(c.branch(), p.Branch)
	w.Store64(c.class(), uint64(p.Class))
}
