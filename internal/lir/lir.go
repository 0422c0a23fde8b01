// Package lir holds the low-level instruction records consumed by the
// assembler: an ordered, doubly-linked list of pseudo and real records plus
// the static descriptor model each target uses to encode them.
package lir

import "fmt"

// Opcode identifies a record. Real opcodes are numbered from zero by each
// target; negative values are pseudo opcodes shared by every target.
type Opcode int

const (
	// PseudoLabel marks a branch target. Consumes no space.
	PseudoLabel Opcode = -(iota + 1)
	// PseudoAlign pads the cursor to Operands[0] bytes. The offset pass
	// stores the number of pad bytes it inserted in Operands[1].
	PseudoAlign
	// PseudoChainingCell marks the start of a chaining cell of kind
	// Operands[0]. The records that follow form the cell body.
	PseudoChainingCell
	// PseudoBarrier stops scheduling across it.
	PseudoBarrier
	// PseudoSourceOffset records the bytecode offset Operands[0] the
	// following records were generated from. Used by dumps only.
	PseudoSourceOffset
	// PseudoLiteral is a pool entry. It lives in a pool list, never in the
	// instruction list, and exists so pc-relative loads have a Target.
	PseudoLiteral
)

func (op Opcode) IsPseudo() bool { return op < 0 }

func (op Opcode) String() string {
	switch op {
	case PseudoLabel:
		return "label"
	case PseudoAlign:
		return "align"
	case PseudoChainingCell:
		return "chaining-cell"
	case PseudoBarrier:
		return "barrier"
	case PseudoSourceOffset:
		return "source-offset"
	case PseudoLiteral:
		return "literal"
	}
	return fmt.Sprintf("op%d", int(op))
}

// Record is one instruction or directive.
type Record struct {
	Opcode   Opcode
	Operands [4]int32
	// Target is the record a branch or pc-relative load refers to.
	Target *Record
	// Offset is the byte offset from the start of the unit body. Assigned
	// by the offset pass.
	Offset int
	// Units is the encoded size in storage units, copied from the
	// descriptor by the offset pass.
	Units int
	// IsNop marks a record that is logically dead but kept for list
	// integrity.
	IsNop bool

	DefMask ResourceMask
	UseMask ResourceMask

	prev, next *Record
	list       *List
}

// New returns a detached record.
func New(op Opcode, operands ...int32) *Record {
	if len(operands) > 4 {
		panic(fmt.Sprintf("lir: %d operands for %v", len(operands), op))
	}
	r := &Record{Opcode: op}
	copy(r.Operands[:], operands)
	return r
}

// NewBranch returns a detached record that refers to target.
func NewBranch(op Opcode, target *Record, operands ...int32) *Record {
	r := New(op, operands...)
	r.Target = target
	return r
}

func (r *Record) IsPseudo() bool { return r.Opcode.IsPseudo() }

func (r *Record) Next() *Record { return r.next }

func (r *Record) Prev() *Record { return r.prev }

// List is the ordered record sequence for one compilation unit. The list
// owns its records exclusively; a record belongs to at most one list.
type List struct {
	first, last *Record
	n           int
}

func (l *List) First() *Record { return l.first }

func (l *List) Last() *Record { return l.last }

func (l *List) Len() int { return l.n }

func (l *List) adopt(r *Record) {
	if r.list != nil {
		panic("lir: record already belongs to a list")
	}
	r.list = l
	l.n++
}

// Append adds r at the end of the list and returns it.
func (l *List) Append(r *Record) *Record {
	l.adopt(r)
	r.prev = l.last
	r.next = nil
	if l.last != nil {
		l.last.next = r
	} else {
		l.first = r
	}
	l.last = r
	return r
}

// InsertAfter links r immediately after at.
func (l *List) InsertAfter(at, r *Record) *Record {
	if at.list != l {
		panic("lir: InsertAfter anchor not in list")
	}
	l.adopt(r)
	r.prev = at
	r.next = at.next
	if at.next != nil {
		at.next.prev = r
	} else {
		l.last = r
	}
	at.next = r
	return r
}

// InsertBefore links r immediately before at.
func (l *List) InsertBefore(at, r *Record) *Record {
	if at.list != l {
		panic("lir: InsertBefore anchor not in list")
	}
	l.adopt(r)
	r.next = at
	r.prev = at.prev
	if at.prev != nil {
		at.prev.next = r
	} else {
		l.first = r
	}
	at.prev = r
	return r
}

// Remove unlinks r. Records that other records target should be marked
// IsNop instead.
func (l *List) Remove(r *Record) {
	if r.list != l {
		panic("lir: Remove of foreign record")
	}
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.first = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.last = r.prev
	}
	r.prev, r.next, r.list = nil, nil, nil
	l.n--
}

// Label appends a new label record.
func (l *List) Label() *Record {
	return l.Append(New(PseudoLabel))
}

// Align appends an alignment directive for the given byte boundary.
func (l *List) Align(boundary int) *Record {
	return l.Append(New(PseudoAlign, int32(boundary)))
}
