// Package codecache manages the executable region translations live in.
//
// The cache hands out space with a bump cursor and never frees it; the only
// way to reclaim space is Reset. Code is execute-only outside a patch
// window opened with BeginPatch. Words in the region are read and written
// with atomic operations so mutator threads can read chaining cells while
// the compiler thread patches them.
package codecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrFull is returned by Reserve once the cache cannot fit a request. The
// full flag stays set until Reset.
var ErrFull = errors.New("codecache: full")

// Backing selects where the region comes from.
type Backing int

const (
	// BackingMmap maps anonymous memory and toggles its protection.
	BackingMmap Backing = iota
	// BackingHeap uses ordinary Go memory. Nothing in it can execute; it
	// exists for cross-target work and tests.
	BackingHeap
)

func (b Backing) String() string {
	switch b {
	case BackingMmap:
		return "mmap"
	case BackingHeap:
		return "heap"
	default:
		return fmt.Sprintf("Backing(%d)", int(b))
	}
}

// ParseBacking maps a config name to a Backing.
func ParseBacking(s string) (Backing, error) {
	switch s {
	case "", "mmap":
		return BackingMmap, nil
	case "heap":
		return BackingHeap, nil
	default:
		return 0, fmt.Errorf("unknown code cache backing %q", s)
	}
}

// Protection is the current access mode of the region.
type Protection int

const (
	ReadExecute Protection = iota
	ReadWriteExecute
)

func (p Protection) String() string {
	if p == ReadWriteExecute {
		return "rwx"
	}
	return "r-x"
}

// Options configures a Cache.
type Options struct {
	Size    int
	Backing Backing
	Logger  *slog.Logger
	// OnStore, when set, is called after every write made through a patch
	// window with the offset and size written. It runs with the window
	// open and must not patch the cache.
	OnStore func(off, n int)
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Patches int64
	Flushes int64
	Resets  int64
}

// Cache is one code cache.
type Cache struct {
	log     *slog.Logger
	onStore func(off, n int)

	mem     []byte
	base    uintptr
	backing region

	// mu guards the cursor.
	mu   sync.Mutex
	used int

	// patchMu is held for the whole of a patch window.
	patchMu sync.Mutex
	prot    atomic.Int32

	full    atomic.Bool
	version atomic.Uint64

	patches atomic.Int64
	flushes atomic.Int64
	resets  atomic.Int64
}

// region abstracts the backing memory.
type region interface {
	protect(mem []byte, p Protection) error
	release(mem []byte) error
}

// New allocates a cache of opts.Size bytes rounded up to a page.
func New(opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("codecache: invalid size %d", opts.Size)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var (
		mem []byte
		r   region
		err error
	)
	switch opts.Backing {
	case BackingMmap:
		mem, r, err = mapRegion(opts.Size)
	case BackingHeap:
		mem, r = heapRegion(opts.Size)
	default:
		err = fmt.Errorf("unknown backing %v", opts.Backing)
	}
	if err != nil {
		return nil, fmt.Errorf("codecache: allocate %d bytes: %w", opts.Size, err)
	}

	c := &Cache{
		log:     log,
		onStore: opts.OnStore,
		mem:     mem,
		base:    uintptr(unsafe.Pointer(&mem[0])),
		backing: r,
	}
	c.version.Store(1)
	log.Debug("code cache allocated", "size", len(mem), "backing", opts.Backing.String(), "base", fmt.Sprintf("0x%x", c.base))
	return c, nil
}

// SetLogger replaces the cache logger.
func (c *Cache) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	c.log = l
}

// Close releases the region. The cache must not be used afterwards.
func (c *Cache) Close() error {
	if c.mem == nil {
		return nil
	}
	err := c.backing.release(c.mem)
	c.mem = nil
	return err
}

// Base is the address of offset zero.
func (c *Cache) Base() uintptr { return c.base }

// Addr converts a cache offset to an address.
func (c *Cache) Addr(off int) uintptr { return c.base + uintptr(off) }

func (c *Cache) Capacity() int { return len(c.mem) }

// Used is the number of bytes handed out since the last Reset.
func (c *Cache) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) IsFull() bool { return c.full.Load() }

// SetFull raises the sticky full flag without a failed Reserve.
func (c *Cache) SetFull() { c.full.Store(true) }

// Version changes on every Reset. Offsets taken under one version are
// meaningless under another.
func (c *Cache) Version() uint64 { return c.version.Load() }

func (c *Cache) Protection() Protection { return Protection(c.prot.Load()) }

func (c *Cache) Stats() Stats {
	return Stats{
		Patches: c.patches.Load(),
		Flushes: c.flushes.Load(),
		Resets:  c.resets.Load(),
	}
}

// Reserve hands out n bytes rounded up to 8 and returns their offset. A
// request that does not fit sets the full flag and leaves the cursor alone.
func (c *Cache) Reserve(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("codecache: invalid reservation %d", n)
	}
	n = (n + 7) &^ 7
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full.Load() || c.used+n > len(c.mem) {
		c.full.Store(true)
		return 0, fmt.Errorf("reserve %d bytes with %d of %d used: %w", n, c.used, len(c.mem), ErrFull)
	}
	off := c.used
	c.used += n
	return off, nil
}

// Reset discards every translation. The caller must guarantee that no
// thread is executing in the cache.
func (c *Cache) Reset() {
	c.patchMu.Lock()
	c.setProtection(ReadWriteExecute)
	c.mu.Lock()
	used := c.used
	clear(c.mem[:used])
	c.used = 0
	c.mu.Unlock()
	c.full.Store(false)
	v := c.version.Add(1)
	c.flush(0, used)
	c.setProtection(ReadExecute)
	c.patchMu.Unlock()

	c.resets.Add(1)
	c.log.Info("code cache reset", "freed", used, "version", v)
}

func (c *Cache) setProtection(p Protection) {
	if err := c.backing.protect(c.mem, p); err != nil {
		// Continuing would either fault on the next write or leave the
		// region writable.
		panic(fmt.Sprintf("codecache: set protection %v: %v", p, err))
	}
	c.prot.Store(int32(p))
}

func (c *Cache) flush(lo, hi int) {
	if hi <= lo {
		return
	}
	flushICache(c.base+uintptr(lo), uintptr(hi-lo))
	c.flushes.Add(1)
}

func (c *Cache) check(off, size int) {
	if off < 0 || off+size > len(c.mem) {
		panic(fmt.Sprintf("codecache: access [0x%x, 0x%x) outside 0x%x bytes", off, off+size, len(c.mem)))
	}
	if off%size != 0 && size <= 8 {
		panic(fmt.Sprintf("codecache: misaligned %d-byte access at 0x%x", size, off))
	}
}

func (c *Cache) ptr32(off int) *uint32 {
	c.check(off, 4)
	return (*uint32)(unsafe.Pointer(&c.mem[off]))
}

func (c *Cache) ptr64(off int) *uint64 {
	c.check(off, 8)
	return (*uint64)(unsafe.Pointer(&c.mem[off]))
}

// Load32 atomically reads the aligned word at off.
func (c *Cache) Load32(off int) uint32 { return atomic.LoadUint32(c.ptr32(off)) }

// Load64 atomically reads the aligned doubleword at off.
func (c *Cache) Load64(off int) uint64 { return atomic.LoadUint64(c.ptr64(off)) }

// ReadAt copies len(b) bytes starting at off.
func (c *Cache) ReadAt(b []byte, off int) {
	if off < 0 || off+len(b) > len(c.mem) {
		panic(fmt.Sprintf("codecache: read [0x%x, 0x%x) outside 0x%x bytes", off, off+len(b), len(c.mem)))
	}
	copy(b, c.mem[off:])
}

// WriteAccess is an open patch window. Only one window is open at a time;
// End must be called exactly once.
type WriteAccess struct {
	c       *Cache
	lo, hi  int
	noFlush bool
	done    bool
}

// BeginPatch makes the cache writable and returns a window whose flush
// range starts as [off, off+n). Writes may land outside that range; the
// range grows to cover them.
func (c *Cache) BeginPatch(off, n int) *WriteAccess {
	c.patchMu.Lock()
	c.setProtection(ReadWriteExecute)
	return &WriteAccess{c: c, lo: off, hi: off + n}
}

func (w *WriteAccess) touch(off, n int) {
	if w.done {
		panic("codecache: write after End")
	}
	if w.hi <= w.lo {
		w.lo, w.hi = off, off+n
		return
	}
	w.lo = min(w.lo, off)
	w.hi = max(w.hi, off+n)
}

// Range is the span the window will flush.
func (w *WriteAccess) Range() (lo, hi int) { return w.lo, w.hi }

// NoFlush skips the instruction cache flush at End. Use it when only data
// words read through loads were written.
func (w *WriteAccess) NoFlush() { w.noFlush = true }

// Write copies b to off.
func (w *WriteAccess) Write(off int, b []byte) {
	if off < 0 || off+len(b) > len(w.c.mem) {
		panic(fmt.Sprintf("codecache: write [0x%x, 0x%x) outside 0x%x bytes", off, off+len(b), len(w.c.mem)))
	}
	w.touch(off, len(b))
	copy(w.c.mem[off:], b)
	w.stored(off, len(b))
}

func (w *WriteAccess) stored(off, n int) {
	if w.c.onStore != nil {
		w.c.onStore(off, n)
	}
}

// Store32 atomically writes the aligned word at off.
func (w *WriteAccess) Store32(off int, v uint32) {
	p := w.c.ptr32(off)
	w.touch(off, 4)
	atomic.StoreUint32(p, v)
	w.stored(off, 4)
}

// Store64 atomically writes the aligned doubleword at off. Atomic stores
// are sequentially consistent, so everything stored before it is visible to
// a reader that observes it.
func (w *WriteAccess) Store64(off int, v uint64) {
	p := w.c.ptr64(off)
	w.touch(off, 8)
	atomic.StoreUint64(p, v)
	w.stored(off, 8)
}

// End flushes the touched range and restores execute-only protection.
func (w *WriteAccess) End() {
	if w.done {
		panic("codecache: End called twice")
	}
	w.done = true
	c := w.c
	if !w.noFlush {
		c.flush(w.lo, w.hi)
	}
	c.setProtection(ReadExecute)
	c.patches.Add(1)
	c.patchMu.Unlock()
}
