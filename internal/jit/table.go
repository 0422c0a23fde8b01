package jit

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/chain"
)

// HeaderSize is the translation header in front of the entry point: the
// profile slot (u32) and the offset from the entry to the cell counts
// block (u32).
const HeaderSize = 8

// Translation is one installed trace.
type Translation struct {
	Source uint64
	// Base is the cache offset of the header; Entry of the first
	// instruction.
	Base  int
	Entry int
	// Slot is the translation's profile counter index.
	Slot   int
	Layout asm.Layout
	Cells  []chain.Cell
	// Version is the cache version the translation was installed into.
	Version uint64

	count atomic.Uint64
}

// End is one past the last byte of the translation.
func (t *Translation) End() int { return t.Entry + t.Layout.TotalSize }

// Contains reports whether off lies inside the translation.
func (t *Translation) Contains(off int) bool { return off >= t.Base && off < t.End() }

// Count is the number of recorded executions.
func (t *Translation) Count() uint64 { return t.count.Load() }

// Table maps source addresses to translations and code offsets back to
// the translation containing them.
type Table struct {
	mu       sync.RWMutex
	bySource map[uint64]*Translation
	byBase   *btree.BTreeG[*Translation]
}

func NewTable() *Table {
	return &Table{
		bySource: make(map[uint64]*Translation),
		byBase: btree.NewG(16, func(a, b *Translation) bool {
			return a.Base < b.Base
		}),
	}
}

// Publish makes t visible to lookups. A later translation for the same
// source replaces the earlier one in the source map; both stay in the
// address index until Reset.
func (tb *Table) Publish(t *Translation) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.bySource[t.Source] = t
	tb.byBase.ReplaceOrInsert(t)
}

func (tb *Table) Lookup(source uint64) (*Translation, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.bySource[source]
	return t, ok
}

// Find returns the translation whose bytes contain the cache offset off.
func (tb *Table) Find(off int) (*Translation, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	var found *Translation
	tb.byBase.DescendLessOrEqual(&Translation{Base: off}, func(t *Translation) bool {
		found = t
		return false
	})
	if found == nil || !found.Contains(off) {
		return nil, false
	}
	return found, true
}

// All lists every installed translation in address order.
func (tb *Table) All() []*Translation {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]*Translation, 0, tb.byBase.Len())
	tb.byBase.Ascend(func(t *Translation) bool {
		out = append(out, t)
		return true
	})
	return out
}

func (tb *Table) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.byBase.Len()
}

func (tb *Table) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	clear(tb.bySource)
	tb.byBase.Clear(false)
}
