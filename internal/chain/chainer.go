package chain

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/codecache"
	"github.com/tinyrange/tracejit/internal/vm"
)

var (
	// ErrOutOfRange is returned when a chain target is beyond the reach
	// of the target's chaining branch.
	ErrOutOfRange = errors.New("chain: target out of range")
	// ErrConflict is returned when a direct cell holds a branch that
	// cannot be replaced with a single store.
	ErrConflict = errors.New("chain: cell cannot be repatched in place")
)

// Outcome is what PatchPredicted did with a request.
type Outcome int

const (
	// Initialized: the cell was inert and now dispatches to the method.
	Initialized Outcome = iota
	// Staged: the class was remembered as a candidate; the cell is
	// unchanged.
	Staged
	// ClassSwapped: same method, new class key.
	ClassSwapped
	// Queued: a work order will rewrite the cell at the next safepoint.
	Queued
	// Dropped: the queue was full or the class could not be identified.
	Dropped
)

var outcomeNames = [...]string{"initialized", "staged", "class-swapped", "queued", "dropped"}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Options configures a Chainer.
type Options struct {
	Cache    *codecache.Cache
	Target   asm.Chaining
	Resolver vm.ClassResolver
	// Suspender gates Chain; nil never blocks.
	Suspender vm.Suspender
	QueueSize int
	// StagedHistory is how many candidate classes a predicted cell must
	// have seen before a miss is allowed to rewrite it. One uses only
	// the staged word inside the cell.
	StagedHistory int
	Logger        *slog.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Chains       int64
	Unchains     int64
	Initialized  int64
	Staged       int64
	ClassSwapped int64
	Queued       int64
	Dropped      int64
	Applied      int64
	Skipped      int64
}

// Chainer owns every write to chaining cells.
type Chainer struct {
	cache    *codecache.Cache
	target   asm.Chaining
	resolver vm.ClassResolver
	suspend  vm.Suspender
	queue    *PatchQueue
	history  int
	log      *slog.Logger

	// mu orders predicted cell patches against queueing and safepoint
	// flushes.
	mu sync.Mutex
	// seen holds older staged candidates per predicted cell when the
	// history is deeper than the in-cell word.
	seen map[int][]vm.ClassRef

	chains, unchains                  atomic.Int64
	initialized, staged, classSwapped atomic.Int64
	queued, dropped                   atomic.Int64
	applied, skipped                  atomic.Int64
}

func New(opts Options) *Chainer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	history := opts.StagedHistory
	if history <= 0 {
		history = 1
	}
	return &Chainer{
		cache:    opts.Cache,
		target:   opts.Target,
		resolver: opts.Resolver,
		suspend:  opts.Suspender,
		queue:    NewPatchQueue(opts.QueueSize),
		history:  history,
		log:      log,
		seen:     make(map[int][]vm.ClassRef),
	}
}

// SetLogger replaces the chainer logger.
func (c *Chainer) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	c.log = l
}

// Queue exposes the patch queue.
func (c *Chainer) Queue() *PatchQueue { return c.queue }

func (c *Chainer) Stats() Stats {
	return Stats{
		Chains:       c.chains.Load(),
		Unchains:     c.unchains.Load(),
		Initialized:  c.initialized.Load(),
		Staged:       c.staged.Load(),
		ClassSwapped: c.classSwapped.Load(),
		Queued:       c.queued.Load(),
		Dropped:      c.dropped.Load(),
		Applied:      c.applied.Load(),
		Skipped:      c.skipped.Load(),
	}
}

// Chain points cell at the translation entry target. It reports false
// without an error when chaining is currently suppressed: the cache is
// full or a suspension is pending.
func (c *Chainer) Chain(cell DirectCell, target int) (bool, error) {
	if c.cache.IsFull() || (c.suspend != nil && c.suspend.SuspendPending()) {
		return false, nil
	}
	word, err := c.target.ChainBranch(cell.At, target)
	if err != nil {
		if errors.Is(err, asm.ErrDisplacement) {
			return false, fmt.Errorf("%w: %v", ErrOutOfRange, err)
		}
		return false, err
	}

	// The current word is read and replaced under the chainer lock so no
	// other patch can land between the check and the store.
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.cache.BeginPatch(cell.At, 4)
	cur := c.cache.Load32(cell.At)
	if !c.target.CanReplace(cur, word) {
		w.NoFlush()
		w.End()
		return false, fmt.Errorf("chain 0x%x holding 0x%08x to 0x%x: %w", cell.At, cur, target, ErrConflict)
	}
	w.Store32(cell.At, word)
	w.End()

	c.chains.Add(1)
	c.log.Debug("chained", "cell", fmt.Sprintf("0x%x", cell.At), "kind", cell.CellKind.String(), "target", fmt.Sprintf("0x%x", target))
	return true, nil
}

// IsChained reports whether a direct cell currently jumps to a
// translation.
func (c *Chainer) IsChained(cell DirectCell) bool {
	return !c.target.IsUnchained(c.cache.Load32(cell.At))
}

// Unchain reverts one cell.
func (c *Chainer) Unchain(cell Cell) {
	c.UnchainCells([]Cell{cell})
}

// UnchainCells reverts cells inside one patch window and returns the span
// that was flushed. Direct cells get their controlling half reset. A
// predicted cell only loses its class key: another thread may already have
// matched the old key and still be using the branch and method.
func (c *Chainer) UnchainCells(cells []Cell) (lo, hi int) {
	if len(cells) == 0 {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.cache.BeginPatch(cells[0].Offset(), 0)
	for _, cell := range cells {
		switch cell := cell.(type) {
		case DirectCell:
			cur := c.cache.Load32(cell.At)
			w.Store32(cell.At, c.target.UnchainBranch(cur))
		case PredictedCell:
			w.Store64(cell.class(), uint64(vm.NullClass))
			delete(c.seen, cell.At)
		}
		c.log.Debug("unchained", "cell", fmt.Sprintf("0x%x", cell.Offset()), "kind", cell.Kind().String())
	}
	lo, hi = w.Range()
	w.End()
	c.unchains.Add(int64(len(cells)))
	return lo, hi
}

// Dispatch is the mutator fast path through a predicted cell: the method
// to call when receiver matches the cell's key.
func (c *Chainer) Dispatch(cell PredictedCell, receiver vm.ClassRef) (vm.MethodRef, bool) {
	key := vm.ClassRef(c.cache.Load64(cell.class()))
	if key.Inert() || key != receiver {
		return 0, false
	}
	return vm.MethodRef(c.cache.Load64(cell.method())), true
}

// filterPasses reports whether class has been staged recently enough to
// let a miss rewrite the cell. On a miss the staged class about to be
// displaced moves into the side history.
func (c *Chainer) filterPasses(cell PredictedCell, staged, class vm.ClassRef) bool {
	if staged == class {
		return true
	}
	if c.history == 1 {
		return false
	}
	older := c.seen[cell.At]
	if slices.Contains(older, class) {
		return true
	}
	if staged != vm.NullClass {
		older = append([]vm.ClassRef{staged}, older...)
		if len(older) > c.history-1 {
			older = older[:c.history-1]
		}
		c.seen[cell.At] = older
	}
	return false
}

// PredictedBranch encodes the branch a predicted cell uses to reach the
// translation entry target.
func (c *Chainer) PredictedBranch(cell PredictedCell, target int) (uint32, error) {
	word, err := c.target.ChainBranch(cell.branch(), target)
	if errors.Is(err, asm.ErrDisplacement) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return word, err
}

// PatchPredicted asks for cell to dispatch want.Class to want.Method
// through want.Branch.
//
// An inert, never chained cell is initialized in place with the class key
// written last. Otherwise a class that has not been staged recently only
// becomes the staged candidate. A staged class with the same method swaps
// the key in place. Anything else needs the cell rewritten while no thread
// can be inside it, so it is queued for the next safepoint.
func (c *Chainer) PatchPredicted(cell PredictedCell, want PredictedContent) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := cell.Read(c.cache)
	switch {
	case cur.Class == vm.NullClass && cur.Branch == c.target.PredictedBranchInit():
		w := c.cache.BeginPatch(cell.At, asm.PredictedCellSize)
		w.Store64(cell.method(), uint64(want.Method))
		w.Store32(cell.branch(), want.Branch)
		w.Store64(cell.class(), uint64(want.Class))
		w.End()
		c.initialized.Add(1)
		c.log.Debug("predicted cell initialized", "cell", fmt.Sprintf("0x%x", cell.At), "class", want.Class.String())
		return Initialized

	case !c.filterPasses(cell, cur.Staged, want.Class):
		w := c.cache.BeginPatch(cell.staged(), 8)
		w.NoFlush()
		w.Store64(cell.staged(), uint64(want.Class))
		w.End()
		c.staged.Add(1)
		return Staged

	case cur.Method == want.Method:
		// The branch is unchanged, so there is nothing to flush.
		w := c.cache.BeginPatch(cell.class(), 8)
		w.NoFlush()
		w.Store64(cell.class(), uint64(want.Class))
		w.End()
		c.classSwapped.Add(1)
		return ClassSwapped
	}

	id, ok := c.resolver.Identify(want.Class)
	if !ok {
		c.dropped.Add(1)
		c.log.Warn("predicted patch dropped: unknown class", "cell", fmt.Sprintf("0x%x", cell.At), "class", want.Class.String())
		return Dropped
	}
	want.Staged = vm.NullClass
	if c.queue.Enqueue(WorkOrder{Cell: cell, Content: want, Class: id}) == DroppedFull {
		c.dropped.Add(1)
		c.log.Warn("predicted patch dropped: queue full", "cell", fmt.Sprintf("0x%x", cell.At), "capacity", c.queue.Cap())
		return Dropped
	}
	c.queued.Add(1)
	return Queued
}

// FlushAtSafepoint applies every queued work order. All mutators must be
// stopped. Each order's class is re-resolved by identity; orders whose
// class is gone or was reloaded are skipped. The instruction cache is
// flushed once over the span of patched cells.
func (c *Chainer) FlushAtSafepoint() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	orders := c.queue.Drain()
	if len(orders) == 0 {
		return 0
	}
	applied := 0
	w := c.cache.BeginPatch(orders[0].Cell.At, 0)
	for _, o := range orders {
		ref, err := c.resolver.ResolveClass(o.Class.Descriptor, o.Class.Loader)
		if err != nil {
			c.skipped.Add(1)
			c.log.Warn("predicted patch skipped", "cell", fmt.Sprintf("0x%x", o.Cell.At), "class", o.Class.String(), "err", err)
			continue
		}
		if id, ok := c.resolver.Identify(ref); !ok || id.Serial != o.Class.Serial {
			c.skipped.Add(1)
			c.log.Warn("predicted patch skipped: class reloaded", "cell", fmt.Sprintf("0x%x", o.Cell.At), "class", o.Class.String())
			continue
		}
		content := o.Content
		content.Class = ref
		o.Cell.write(w, content)
		delete(c.seen, o.Cell.At)
		applied++
		c.log.Debug("predicted cell patched", "cell", fmt.Sprintf("0x%x", o.Cell.At), "content", content.String())
	}
	lo, hi := w.Range()
	w.End()
	c.applied.Add(int64(applied))
	c.log.Debug("patch queue flushed", "orders", len(orders), "applied", applied, "lo", fmt.Sprintf("0x%x", lo), "hi", fmt.Sprintf("0x%x", hi))
	return applied
}

// Reset forgets queued orders and staged history. Used when the cache is
// reset and every cell is gone.
func (c *Chainer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue.Drain())
	clear(c.seen)
	if n > 0 {
		c.log.Debug("discarded queued patches", "orders", n)
	}
}
