package jit

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/chain"
	"github.com/tinyrange/tracejit/internal/vm"
)

// VisitClassRefs calls fn for every class reference the JIT holds: class
// pool entries, the keys and staged classes of predicted cells, and the
// pool of a translation being installed. A result that differs from the
// argument replaces it, which lets a moving collector update the cache.
// Mutators must be stopped. It returns the number of replaced references.
func (j *JIT) VisitClassRefs(fn func(vm.ClassRef) vm.ClassRef) int {
	type update struct {
		off int
		ref vm.ClassRef
	}
	var updates []update
	visit := func(off int) {
		old := vm.ClassRef(j.cache.Load64(off))
		if old.Inert() {
			return
		}
		if ref := fn(old); ref != old {
			updates = append(updates, update{off, ref})
		}
	}

	for _, t := range j.table.All() {
		pool := t.Entry + t.Layout.ClassPoolOffset
		n := int(j.cache.Load32(pool))
		for i := 0; i < n; i++ {
			visit(pool + 8 + 8*i)
		}
		for _, c := range t.Cells {
			if pc, ok := c.(chain.PredictedCell); ok {
				visit(pc.At + asm.PredictedClassOffset)
				visit(pc.At + asm.PredictedStagedOffset)
			}
		}
	}

	if len(updates) > 0 {
		// Class words are data; no instruction changes, so no flush.
		w := j.cache.BeginPatch(updates[0].off, 8)
		w.NoFlush()
		for _, u := range updates {
			w.Store64(u.off, uint64(u.ref))
		}
		w.End()
	}

	n := len(updates)
	j.inflightMu.Lock()
	for i, old := range j.inflight {
		if ref := fn(old); ref != old {
			j.inflight[i] = ref
			n++
		}
	}
	j.inflightMu.Unlock()
	return n
}

// CountExecution records one execution of the translation for source when
// profiling is on.
func (j *JIT) CountExecution(source uint64) bool {
	if !j.cfg.Profile {
		return false
	}
	t, ok := j.table.Lookup(source)
	if !ok {
		return false
	}
	t.count.Add(1)
	return true
}

// Profile is the execution count of one translation.
type Profile struct {
	Source uint64
	Entry  int
	Slot   int
	Count  uint64
}

// Profiles returns every translation's count, hottest first.
func (j *JIT) Profiles() []Profile {
	all := j.table.All()
	out := make([]Profile, 0, len(all))
	for _, t := range all {
		out = append(out, Profile{Source: t.Source, Entry: t.Entry, Slot: t.Slot, Count: t.Count()})
	}
	slices.SortStableFunc(out, func(a, b Profile) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	return out
}

// DumpProfiles logs the profile of every translation and a summary. With
// reset the counters start over afterwards.
func (j *JIT) DumpProfiles(reset bool) {
	profiles := j.Profiles()
	var total uint64
	for _, p := range profiles {
		total += p.Count
	}
	for _, p := range profiles {
		share := 0.0
		if total > 0 {
			share = 100 * float64(p.Count) / float64(total)
		}
		j.log.Info("trace profile",
			"source", fmt.Sprintf("0x%x", p.Source),
			"entry", fmt.Sprintf("0x%x", p.Entry),
			"count", p.Count,
			"share", fmt.Sprintf("%.2f%%", share),
		)
	}
	var avg uint64
	if len(profiles) > 0 {
		avg = total / uint64(len(profiles))
	}
	j.log.Info("trace profile summary",
		"traces", len(profiles),
		"executions", total,
		"average", avg,
		"cacheUsed", j.cache.Used(),
		"cacheUsage", fmt.Sprintf("%.1f%%", 100*float64(j.cache.Used())/float64(j.cache.Capacity())),
	)
	if reset {
		for _, t := range j.table.All() {
			t.count.Store(0)
		}
	}
}

// Header reads back a translation's header words.
func (j *JIT) Header(t *Translation) (slot, countsOffset int) {
	var hdr [HeaderSize]byte
	j.cache.ReadAt(hdr[:], t.Base)
	return int(binary.LittleEndian.Uint32(hdr[0:])), int(binary.LittleEndian.Uint32(hdr[4:]))
}

// CellCounts reads back a translation's chain cell counts block.
func (j *JIT) CellCounts(t *Translation) (counts [asm.NumCellKinds]int, gap int) {
	_, countsOffset := j.Header(t)
	buf := make([]byte, asm.CellCountsSize)
	j.cache.ReadAt(buf, t.Entry+countsOffset)
	return asm.DecodeCellCounts(buf)
}

// TraceDescriptor returns a copy of the trace descriptor installed with
// the translation for source.
func (j *JIT) TraceDescriptor(source uint64) (asm.TraceDescriptor, error) {
	t, ok := j.table.Lookup(source)
	if !ok {
		return asm.TraceDescriptor{}, fmt.Errorf("trace 0x%x: %w", source, ErrNoTranslation)
	}
	buf := make([]byte, t.Layout.ClassPoolOffset-t.Layout.TraceOffset)
	j.cache.ReadAt(buf, t.Entry+t.Layout.TraceOffset)
	return asm.DecodeTraceDescriptor(buf)
}

// Bytes returns a copy of everything installed for t from the entry on.
func (j *JIT) Bytes(t *Translation) []byte {
	buf := make([]byte, t.Layout.TotalSize)
	j.cache.ReadAt(buf, t.Entry)
	return buf
}

// ClassPool reads back a translation's resolved class pool.
func (j *JIT) ClassPool(t *Translation) []vm.ClassRef {
	pool := t.Entry + t.Layout.ClassPoolOffset
	n := int(j.cache.Load32(pool))
	out := make([]vm.ClassRef, n)
	for i := range out {
		out[i] = vm.ClassRef(j.cache.Load64(pool + 8 + 8*i))
	}
	return out
}
