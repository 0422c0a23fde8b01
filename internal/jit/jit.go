// Package jit ties the assembler, the code cache and the chaining cells
// together: it compiles traces through a front end, installs them,
// publishes them for lookup and runs the safepoint maintenance that
// applies deferred patches and recycles a full cache.
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/chain"
	"github.com/tinyrange/tracejit/internal/codecache"
	"github.com/tinyrange/tracejit/internal/timeslice"
	"github.com/tinyrange/tracejit/internal/vm"
)

var (
	ErrCacheFull = errors.New("jit: code cache full")
	// ErrRetryHalve is returned when a trace still does not assemble at
	// the minimum trace length.
	ErrRetryHalve = errors.New("jit: trace does not assemble at minimum length")
	// ErrCacheChanged is returned when the cache was reset between the
	// start of a compile and its install.
	ErrCacheChanged   = errors.New("jit: code cache reset during compile")
	ErrNoTranslation  = errors.New("jit: no translation")
	errNoFrontend     = errors.New("jit: no front end configured")
	errNoClassResolve = errors.New("jit: no class resolver configured")
)

// Rechain hints returned by ToPatchPredictedChain: how many more passes
// through a predicted cell the interpreter makes before asking again.
const (
	RechainCount = 8192
	RechainAvoid = 0x7fff
	RechainDelay = 512
)

var (
	tsLower    = timeslice.RegisterKind("jit_lower", timeslice.FlagCompile)
	tsAssemble = timeslice.RegisterKind("jit_assemble", timeslice.FlagCompile)
	tsResolve  = timeslice.RegisterKind("jit_resolve_classes", timeslice.FlagCompile)
	tsInstall  = timeslice.RegisterKind("jit_install", timeslice.FlagCompile|timeslice.FlagPatch)
	tsChain    = timeslice.RegisterKind("jit_chain", timeslice.FlagPatch)
	tsUnchain  = timeslice.RegisterKind("jit_unchain_all", timeslice.FlagPatch|timeslice.FlagSafepoint)
	tsFlush    = timeslice.RegisterKind("jit_patch_flush", timeslice.FlagPatch|timeslice.FlagSafepoint)
	tsReset    = timeslice.RegisterKind("jit_reset", timeslice.FlagSafepoint)
)

// Frontend builds compilation units.
type Frontend interface {
	// Lower builds the unit for the trace starting at source, covering at
	// most maxInsts source instructions.
	Lower(t asm.Target, source uint64, maxInsts int) (*asm.Unit, error)
}

// Options configures a JIT. Classes is required for installing units
// that use the class pool; Thread and Suspender may be nil.
type Options struct {
	Config    Config
	Frontend  Frontend
	Classes   vm.ClassResolver
	Methods   vm.Methods
	Thread    vm.Thread
	Suspender vm.Suspender
	Logger    *slog.Logger
}

type Stats struct {
	Compiles  int64
	Installs  int64
	Halvings  int64
	Failures  int64
	Resets    int64
	Unchained int64
}

// JIT owns one code cache and everything installed in it.
type JIT struct {
	cfg     Config
	target  asm.Target
	cache   *codecache.Cache
	chainer *chain.Chainer
	table   *Table

	fe      Frontend
	classes vm.ClassResolver
	methods vm.Methods
	thread  vm.Thread
	suspend vm.Suspender
	log     *slog.Logger

	// mu is the compiler lock. Compiles, installs and resets hold it.
	mu    sync.Mutex
	slots int

	// inflight holds the class pool of the translation being installed
	// while its classes are resolved.
	inflightMu sync.Mutex
	inflight   []vm.ClassRef

	compiles, installs, halvings atomic.Int64
	failures, resets, unchained  atomic.Int64
}

func New(opts Options) (*JIT, error) {
	cfg := opts.Config
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jit: %w", err)
	}
	target, err := NewTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	backing, err := codecache.ParseBacking(cfg.Backing)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cache, err := codecache.New(codecache.Options{Size: cfg.CodeCacheSize, Backing: backing, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("jit: create code cache: %w", err)
	}

	j := &JIT{
		cfg:     cfg,
		target:  target,
		cache:   cache,
		table:   NewTable(),
		fe:      opts.Frontend,
		classes: opts.Classes,
		methods: opts.Methods,
		thread:  opts.Thread,
		suspend: opts.Suspender,
		log:     log,
	}
	j.chainer = chain.New(chain.Options{
		Cache:         cache,
		Target:        target,
		Resolver:      opts.Classes,
		Suspender:     opts.Suspender,
		QueueSize:     cfg.PatchQueueSize,
		StagedHistory: cfg.StagedHistory,
		Logger:        log,
	})
	return j, nil
}

// SetLogger replaces the logger of the JIT and everything it owns.
func (j *JIT) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	j.log = l
	j.cache.SetLogger(l)
	j.chainer.SetLogger(l)
}

func (j *JIT) Close() error { return j.cache.Close() }

func (j *JIT) Config() Config { return j.cfg }
func (j *JIT) Target() asm.Target { return j.target }
func (j *JIT) Cache() *codecache.Cache { return j.cache }
func (j *JIT) Chainer() *chain.Chainer { return j.chainer }
func (j *JIT) Table() *Table { return j.table }
func (j *JIT) Lookup(source uint64) (*Translation, bool) { return j.table.Lookup(source) }

func (j *JIT) Stats() Stats {
	return Stats{
		Compiles:  j.compiles.Load(),
		Installs:  j.installs.Load(),
		Halvings:  j.halvings.Load(),
		Failures:  j.failures.Load(),
		Resets:    j.resets.Load(),
		Unchained: j.unchained.Load(),
	}
}

// Compile returns the translation for source, building and installing it
// if needed. A unit the assembler asks to shrink is lowered again at half
// the trace length, down to MinTraceLength.
func (j *JIT) Compile(source uint64) (*Translation, error) {
	if j.fe == nil {
		return nil, errNoFrontend
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if t, ok := j.table.Lookup(source); ok {
		return t, nil
	}
	if j.cache.IsFull() {
		return nil, ErrCacheFull
	}
	j.compiles.Add(1)

	version := j.cache.Version()
	maxInsts := j.cfg.MaxTraceLength
	for {
		rec := timeslice.NewRecorder()
		u, err := j.fe.Lower(j.target, source, maxInsts)
		rec.Record(tsLower)
		if err != nil {
			j.failures.Add(1)
			return nil, fmt.Errorf("lower trace 0x%x: %w", source, err)
		}
		u.Version = version
		u.Verbose = j.cfg.Verbose
		u.Logger = j.log

		st, err := asm.Build(u, j.cache.Addr(j.cache.Used()+HeaderSize), j.cfg.MaxAssemblerRetries)
		rec.Record(tsAssemble)
		switch st {
		case asm.Success:
			t, err := j.install(u)
			if err != nil {
				j.failures.Add(1)
			}
			return t, err
		case asm.RetryHalve:
			n := traceLength(u.Trace, maxInsts)
			if n <= j.cfg.MinTraceLength {
				j.failures.Add(1)
				return nil, fmt.Errorf("trace 0x%x at %d instructions: %w", source, n, ErrRetryHalve)
			}
			maxInsts = max(n/2, j.cfg.MinTraceLength)
			j.halvings.Add(1)
			j.log.Debug("halving trace", "source", fmt.Sprintf("0x%x", source), "maxInsts", maxInsts)
		default:
			j.failures.Add(1)
			return nil, fmt.Errorf("assemble trace 0x%x: %w", source, err)
		}
	}
}

// traceLength is the number of source instructions a unit covers, or def
// when its descriptor has no runs.
func traceLength(d asm.TraceDescriptor, def int) int {
	n := 0
	for _, r := range d.Runs {
		n += int(r.NumInsts)
	}
	if n == 0 {
		return def
	}
	return n
}

// Install places an assembled unit in the cache and publishes it. The
// unit's Version must match the cache version.
func (j *JIT) Install(u *asm.Unit) (*Translation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.install(u)
}

// ChainCell points a direct cell at the translation for source. It
// reports false without an error when there is no such translation or
// chaining is currently suppressed.
func (j *JIT) ChainCell(cell chain.DirectCell, source uint64) (bool, error) {
	t, ok := j.table.Lookup(source)
	if !ok {
		return false, nil
	}
	rec := timeslice.NewRecorder()
	ok, err := j.chainer.Chain(cell, t.Entry)
	rec.Record(tsChain)
	if err != nil {
		return false, fmt.Errorf("chain 0x%x to 0x%x: %w", cell.At, source, err)
	}
	return ok, nil
}

// UnchainAll unchains every cell of every installed translation.
// Mutators must be stopped.
func (j *JIT) UnchainAll() {
	j.mu.Lock()
	defer j.mu.Unlock()

	var cells []chain.Cell
	for _, t := range j.table.All() {
		cells = append(cells, t.Cells...)
	}
	if len(cells) == 0 {
		return
	}
	rec := timeslice.NewRecorder()
	lo, hi := j.chainer.UnchainCells(cells)
	rec.Record(tsUnchain)
	j.unchained.Add(int64(len(cells)))
	j.log.Debug("unchained all cells", "cells", len(cells), "lo", fmt.Sprintf("0x%x", lo), "hi", fmt.Sprintf("0x%x", hi))
}

// ToPatchPredictedChain is called by a mutator that missed in a predicted
// cell while calling method on an object of class receiver. It returns
// how many more misses to take before calling again.
func (j *JIT) ToPatchPredictedChain(method vm.MethodRef, cell chain.PredictedCell, receiver vm.ClassRef) int {
	if j.cache.IsFull() || (j.suspend != nil && j.suspend.SuspendPending()) {
		return RechainDelay
	}
	if j.methods == nil {
		return RechainAvoid
	}
	m, ok := j.methods.Method(method)
	if !ok {
		return RechainAvoid
	}

	if m.Native {
		// Park the cell: the fake key never matches, so the callee is
		// always reached through the slow path.
		out := j.chainer.PatchPredicted(cell, chain.PredictedContent{
			Branch: j.target.PredictedBranchInit(),
			Class:  vm.FakeClass,
			Method: method,
		})
		j.log.Debug("predicted cell parked for native callee", "cell", fmt.Sprintf("0x%x", cell.At), "method", m.Name, "outcome", out.String())
		return RechainAvoid
	}

	t, ok := j.table.Lookup(m.Code)
	if !ok {
		return RechainDelay
	}
	branch, err := j.chainer.PredictedBranch(cell, t.Entry)
	if err != nil {
		j.log.Debug("predicted chain out of range", "cell", fmt.Sprintf("0x%x", cell.At), "entry", fmt.Sprintf("0x%x", t.Entry), "err", err)
		return RechainAvoid
	}
	out := j.chainer.PatchPredicted(cell, chain.PredictedContent{
		Branch: branch,
		Class:  receiver,
		Method: method,
	})
	j.log.Debug("predicted chain", "cell", fmt.Sprintf("0x%x", cell.At), "method", m.Name, "class", receiver.String(), "outcome", out.String())
	return RechainCount
}

// SafepointResult reports what PerformSafepointChecks did.
type SafepointResult struct {
	Reset   bool
	Applied int
}

// PerformSafepointChecks runs with every mutator stopped. A full cache is
// reset first; then queued predicted cell patches are applied.
func (j *JIT) PerformSafepointChecks() SafepointResult {
	var res SafepointResult
	if j.cache.IsFull() {
		j.Reset()
		res.Reset = true
	}
	rec := timeslice.NewRecorder()
	res.Applied = j.chainer.FlushAtSafepoint()
	rec.Record(tsFlush)
	return res
}

// Reset discards every translation. Mutators must be stopped and no
// thread may be executing in the cache.
func (j *JIT) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := timeslice.NewRecorder()
	if j.cfg.Profile {
		j.DumpProfiles(false)
	}
	n := j.table.Len()
	used := j.cache.Used()

	j.table.Reset()
	j.chainer.Reset()
	j.inflightMu.Lock()
	j.inflight = nil
	j.inflightMu.Unlock()
	j.slots = 0
	j.cache.Reset()

	j.resets.Add(1)
	rec.Record(tsReset)
	j.log.Info("jit reset", "translations", n, "used", used, "version", j.cache.Version())
}
