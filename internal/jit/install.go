package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/chain"
	"github.com/tinyrange/tracejit/internal/codecache"
	"github.com/tinyrange/tracejit/internal/timeslice"
	"github.com/tinyrange/tracejit/internal/vm"
)

// install copies an assembled unit into the cache. The body goes in
// first; class pool entries are resolved with the thread in a collector
// visible state; then the header and data tail are written and the whole
// translation is flushed before it is published. j.mu must be held.
func (j *JIT) install(u *asm.Unit) (*Translation, error) {
	rec := timeslice.NewRecorder()
	p, err := u.Program()
	if err != nil {
		return nil, err
	}
	if v := j.cache.Version(); u.Version != v {
		return nil, fmt.Errorf("trace 0x%x built against cache version %d, now %d: %w", u.SourceAddr, u.Version, v, ErrCacheChanged)
	}
	ids := p.ClassPointers()
	if len(ids) > 0 && j.classes == nil {
		return nil, errNoClassResolve
	}

	l := p.Layout()
	size := HeaderSize + l.TotalSize
	base, err := j.cache.Reserve(size)
	if err != nil {
		if errors.Is(err, codecache.ErrFull) {
			j.log.Debug("code cache full", "source", fmt.Sprintf("0x%x", u.SourceAddr), "size", size, "used", j.cache.Used())
			return nil, fmt.Errorf("%w: %v", ErrCacheFull, err)
		}
		return nil, err
	}
	entry := base + HeaderSize
	img := p.Image()

	w := j.cache.BeginPatch(entry, l.BodySize)
	w.NoFlush()
	w.Write(entry, img[:l.BodySize])
	w.End()

	rec.Record(tsInstall)
	refs, err := j.resolveClasses(ids)
	rec.Record(tsResolve)
	if err != nil {
		j.log.Warn("class pool unresolved; translation dropped", "source", fmt.Sprintf("0x%x", u.SourceAddr), "err", err)
		return nil, fmt.Errorf("install trace 0x%x: %w", u.SourceAddr, err)
	}
	for i, ref := range refs {
		binary.LittleEndian.PutUint64(img[l.ClassPoolOffset+8+8*i:], uint64(ref))
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(j.slots))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(l.CountsOffset))

	w = j.cache.BeginPatch(base, size)
	w.Write(base, hdr[:])
	w.Write(entry+l.BodySize, img[l.BodySize:])
	w.End()

	t := &Translation{
		Source:  u.SourceAddr,
		Base:    base,
		Entry:   entry,
		Slot:    j.slots,
		Layout:  l,
		Cells:   chain.Cells(entry, p.Cells()),
		Version: u.Version,
	}
	j.slots++
	j.table.Publish(t)

	j.inflightMu.Lock()
	j.inflight = nil
	j.inflightMu.Unlock()

	j.installs.Add(1)
	rec.Record(tsInstall)
	j.log.Debug("installed trace",
		"source", fmt.Sprintf("0x%x", t.Source),
		"entry", fmt.Sprintf("0x%x", t.Entry),
		"size", size,
		"cells", len(t.Cells),
		"classes", len(refs),
		"literals", len(p.Literals()),
	)
	return t, nil
}

// resolveClasses resolves a class pool. The results are kept in the
// in-flight pool so a collection running meanwhile can visit and move
// them; the returned slice is a copy taken once resolution is done.
func (j *JIT) resolveClasses(ids []vm.ClassIdentity) ([]vm.ClassRef, error) {
	j.inflightMu.Lock()
	j.inflight = make([]vm.ClassRef, 0, len(ids))
	j.inflightMu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}

	prev := vm.Running
	if j.thread != nil {
		prev = j.thread.SetState(vm.VMWait)
	}
	var err error
	for _, id := range ids {
		var ref vm.ClassRef
		if ref, err = j.classes.ResolveClass(id.Descriptor, id.Loader); err != nil {
			err = fmt.Errorf("resolve %v: %w", id, err)
			break
		}
		j.inflightMu.Lock()
		j.inflight = append(j.inflight, ref)
		j.inflightMu.Unlock()
	}
	// Back in the running state nothing can move the pool any more.
	if j.thread != nil {
		j.thread.SetState(prev)
	}
	j.inflightMu.Lock()
	defer j.inflightMu.Unlock()
	if err != nil {
		j.inflight = nil
		return nil, err
	}
	return append([]vm.ClassRef(nil), j.inflight...), nil
}
