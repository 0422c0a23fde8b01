// Package asm turns a lir record list into machine words for a target. It
// owns offset assignment, the legalize-and-pack pass, and the status
// protocol the compiler's retry loop consumes.
package asm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

// Status is the outcome of one assembly pass.
type Status int

const (
	// Success: every displacement fit and the code is packed.
	Success Status = iota
	// RetryAll: the list was rewritten in place; reassign offsets and
	// assemble again.
	RetryAll
	// RetryHalve: the unit is too large for some pc-relative form; the
	// caller must rebuild it from a smaller trace.
	RetryHalve
	// Fatal: an overflow no rewrite can fix.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RetryAll:
		return "retry-all"
	case RetryHalve:
		return "retry-halve"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	// ErrDisplacement reports a branch that cannot reach its target in any
	// form the target supports.
	ErrDisplacement = errors.New("asm: displacement out of range")
	// ErrMisaligned reports a pc-relative reference to an unaligned target.
	ErrMisaligned = errors.New("asm: misaligned pc-relative target")
	// ErrNoTarget reports a pc-relative record without a target.
	ErrNoTarget = errors.New("asm: pc-relative record has no target")
)

// DisplacementError carries the failing record for Fatal results.
type DisplacementError struct {
	Key    string
	Offset int
	Delta  int
	Err    error
}

func (e *DisplacementError) Error() string {
	return fmt.Sprintf("%s at 0x%x: delta %d: %v", e.Key, e.Offset, e.Delta, e.Err)
}

func (e *DisplacementError) Unwrap() error { return e.Err }

// Cond is the ARM condition field, shared by the 32-bit and 64-bit ISAs.
type Cond int32

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al"}

func (c Cond) String() string {
	if c >= 0 && int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", int32(c))
}

// Invert returns the opposite condition. AL has no inverse.
func (c Cond) Invert() Cond { return c ^ 1 }

// CellKind is the kind of a chaining cell. The numbering matches the
// order cells are grouped in at the tail of a translation.
type CellKind int32

const (
	CellNormal CellKind = iota
	CellHot
	CellSingleton
	CellPredicted
	CellBackwardBranch
	NumCellKinds
)

var cellKindNames = [...]string{"normal", "hot", "singleton", "predicted", "backward-branch"}

func (k CellKind) String() string {
	if k >= 0 && k < NumCellKinds {
		return cellKindNames[k]
	}
	return fmt.Sprintf("CellKind(%d)", int32(k))
}

// Direct reports whether the cell holds a single patchable branch.
func (k CellKind) Direct() bool { return k != CellPredicted }

// ParseCellKind maps a name produced by String back to its kind.
func ParseCellKind(s string) (CellKind, error) {
	for i, name := range cellKindNames {
		if name == s {
			return CellKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown chaining cell kind %q", s)
}

// Target is one instruction set.
type Target interface {
	lir.Table
	Chaining
	Macros

	Name() string
	// UnitSize is the size in bytes of one storage unit.
	UnitSize() int
	// Filler is the unit written into alignment padding.
	Filler() uint32
	// AppendUnits stores an encoded instruction of the given unit count.
	AppendUnits(buf []byte, word uint32, units int) []byte
	// Legalize checks the displacement of one pc-relative record and
	// writes the encoded displacement into its operands. It may rewrite the
	// list around r, in which case it returns RetryAll. start is the
	// address the unit body will be installed at.
	Legalize(u *Unit, r *lir.Record, start uintptr) (Status, error)
}

// Chaining is the encoder used to patch installed chaining cells. Offsets
// are byte positions in one address space, normally the code cache.
type Chaining interface {
	// ChainBranch returns the word that makes the cell at site jump to
	// target.
	ChainBranch(site, target int) (uint32, error)
	// CanReplace reports whether next may overwrite current in a direct
	// cell with a single store. Only the controlling half may change while
	// another thread could be executing the cell.
	CanReplace(current, next uint32) bool
	// UnchainBranch returns current with only its controlling half reset
	// to fall through into the cell's dispatcher call.
	UnchainBranch(current uint32) uint32
	IsUnchained(word uint32) bool
	// PredictedBranchInit is the branch-to-self a fresh predicted cell
	// carries.
	PredictedBranchInit() uint32
	// DirectCellSize is the size in bytes of a direct cell.
	DirectCellSize() int
}

// Macros append common shapes to a unit so front ends can stay
// target-neutral.
type Macros interface {
	LoadImmediate(u *Unit, reg int, v int32) *lir.Record
	LoadLiteral(u *Unit, reg int, lit *lir.Record) *lir.Record
	// LoadClassPointer loads a class pool entry, resolved at install time.
	LoadClassPointer(u *Unit, reg int, id vm.ClassIdentity) *lir.Record
	BranchIfZero(u *Unit, reg int, target *lir.Record) *lir.Record
	Branch(u *Unit, target *lir.Record) *lir.Record
	Nop(u *Unit) *lir.Record
	DataWord(u *Unit, v uint32)
	// DirectCell emits a direct chaining cell body. slot is the dispatcher
	// entry the unchained cell calls; payload is the source address it
	// hands the dispatcher.
	DirectCell(u *Unit, kind CellKind, slot int, payload uint32)
}
