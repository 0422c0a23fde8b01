// Command jitstress drives a JIT with synthetic traces from several
// mutator goroutines. Each round the mutators compile, chain and patch
// predicted cells concurrently; between rounds a safepoint applies queued
// patches, resets a full cache and occasionally moves every class.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/chain"
	"github.com/tinyrange/tracejit/internal/jit"
	"github.com/tinyrange/tracejit/internal/jit/synth"
	"github.com/tinyrange/tracejit/internal/timeslice"
	"github.com/tinyrange/tracejit/internal/vm"
)

var tsRound = timeslice.RegisterKind("stress_round", 0)

type stress struct {
	j       *jit.JIT
	reg     *vm.Registry
	fe      *synth.Frontend
	sources []uint64
	methods []vm.MethodRef

	// classes is replaced wholesale when classes move.
	classes atomic.Pointer[[]vm.ClassRef]

	cacheFull, chained, dispatched, missed atomic.Int64
}

func (s *stress) setup(traces int, rng *rand.Rand) {
	var ids []vm.ClassIdentity
	var refs []vm.ClassRef
	for i := 0; i < 8; i++ {
		id := vm.ClassIdentity{Descriptor: fmt.Sprintf("LStress%d;", i)}
		ids = append(ids, id)
		refs = append(refs, s.reg.DefineClass(id.Descriptor, id.Loader))
	}
	s.classes.Store(&refs)

	for i := 0; i < traces; i++ {
		s.sources = append(s.sources, uint64(0x10000+0x100*i))
	}
	for i, src := range s.sources {
		s.methods = append(s.methods, s.reg.DefineMethod(fmt.Sprintf("m%d", i), i%7 == 6, src))
	}
	for i, src := range s.sources {
		tr := synth.Trace{
			Source:  src,
			Method:  s.methods[i],
			Length:  4 + rng.IntN(40),
			Width:   1 + rng.IntN(3),
			Hot:     rng.IntN(2) == 0,
			Invokes: rng.IntN(3),
			Loop:    rng.IntN(4) == 0,
		}
		for k := rng.IntN(3); k > 0; k-- {
			tr.Successors = append(tr.Successors, s.sources[rng.IntN(len(s.sources))])
		}
		for k := rng.IntN(3); k > 0; k-- {
			tr.Classes = append(tr.Classes, ids[rng.IntN(len(ids))])
		}
		for k := rng.IntN(4); k > 0; k-- {
			tr.Immediates = append(tr.Immediates, rng.Int32())
		}
		s.fe.Add(tr)
	}
}

// mutate is one mutator's share of a round.
func (s *stress) mutate(rng *rand.Rand, ops int) error {
	for i := 0; i < ops; i++ {
		src := s.sources[rng.IntN(len(s.sources))]
		t, err := s.j.Compile(src)
		switch {
		case errors.Is(err, jit.ErrCacheFull):
			s.cacheFull.Add(1)
			return nil
		case err != nil:
			return fmt.Errorf("compile 0x%x: %w", src, err)
		}
		s.j.CountExecution(src)

		def, _ := s.fe.Trace(src)
		classes := *s.classes.Load()
		normal := 0
		for _, c := range t.Cells {
			switch c := c.(type) {
			case chain.DirectCell:
				if c.CellKind != asm.CellNormal || normal >= len(def.Successors) {
					continue
				}
				next := def.Successors[normal]
				normal++
				ok, err := s.j.ChainCell(c, next)
				if err != nil {
					return fmt.Errorf("chain 0x%x -> 0x%x: %w", src, next, err)
				}
				if ok {
					s.chained.Add(1)
				}
			case chain.PredictedCell:
				receiver := classes[rng.IntN(len(classes))]
				method := s.methods[rng.IntN(len(s.methods))]
				if _, ok := s.j.Chainer().Dispatch(c, receiver); ok {
					s.dispatched.Add(1)
					continue
				}
				s.missed.Add(1)
				s.j.ToPatchPredictedChain(method, c, receiver)
			}
		}
	}
	return nil
}

// moveClasses relocates every class and fixes up the code cache the way a
// compacting collector would.
func (s *stress) moveClasses() int {
	moved := map[vm.ClassRef]vm.ClassRef{}
	var next []vm.ClassRef
	for _, c := range *s.classes.Load() {
		n, ok := s.reg.MoveClass(c)
		if !ok {
			n = c
		}
		moved[c] = n
		next = append(next, n)
	}
	s.classes.Store(&next)
	return s.j.VisitClassRefs(func(c vm.ClassRef) vm.ClassRef {
		if n, ok := moved[c]; ok {
			return n
		}
		return c
	})
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "JIT configuration (YAML)")
	target := fs.String("target", "", "Override the configured target")
	cacheSize := fs.Int("cache", 64<<10, "Code cache size in bytes")
	traces := fs.Int("traces", 256, "Number of synthetic traces")
	workers := fs.Int("workers", 4, "Concurrent mutators")
	rounds := fs.Int("rounds", 100, "Rounds between safepoints")
	ops := fs.Int("ops", 64, "Compiles per mutator per round")
	moveEvery := fs.Int("move", 10, "Move every class each N rounds (0 disables)")
	seed := fs.Uint64("seed", 1, "Random seed")
	recording := fs.String("timeslice", "", "Write a phase recording to this path")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *traces <= 0 || *workers <= 0 {
		return fmt.Errorf("-traces and -workers must be positive")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := jit.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = jit.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *target != "" {
		cfg.Target = *target
	}
	cfg.CodeCacheSize = *cacheSize
	cfg.Profile = true

	if *recording != "" {
		f, err := os.Create(*recording)
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		defer f.Close()
		closer, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
		defer closer.Close()
	}

	s := &stress{reg: vm.NewRegistry()}
	s.fe = synth.New()
	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	s.setup(*traces, rng)

	j, err := jit.New(jit.Options{
		Config:    cfg,
		Frontend:  s.fe,
		Classes:   s.reg,
		Methods:   s.reg,
		Thread:    s.reg,
		Suspender: s.reg,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer j.Close()
	s.j = j

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(*rounds), "stress")
		defer bar.Close()
	}

	start := time.Now()
	resets, applied, visited := 0, 0, 0
	for round := 0; round < *rounds; round++ {
		rec := timeslice.NewRecorder()
		g := new(errgroup.Group)
		for w := 0; w < *workers; w++ {
			wrng := rand.New(rand.NewPCG(*seed+uint64(round), uint64(w)))
			g.Go(func() error { return s.mutate(wrng, *ops) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		rec.Record(tsRound)

		// Every mutator is stopped here.
		res := j.PerformSafepointChecks()
		applied += res.Applied
		if res.Reset {
			resets++
		}
		if *moveEvery > 0 && round%*moveEvery == *moveEvery-1 {
			visited += s.moveClasses()
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	elapsed := time.Since(start)
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	j.DumpProfiles(false)
	st := j.Stats()
	cs := j.Chainer().Stats()
	fmt.Printf("rounds=%d workers=%d elapsed=%s target=%s\n", *rounds, *workers, elapsed, j.Target().Name())
	fmt.Printf("compiles=%d installs=%d halvings=%d failures=%d resets=%d (safepoint %d)\n",
		st.Compiles, st.Installs, st.Halvings, st.Failures, st.Resets, resets)
	fmt.Printf("chains=%d dispatched=%d missed=%d cache-full=%d\n",
		s.chained.Load(), s.dispatched.Load(), s.missed.Load(), s.cacheFull.Load())
	fmt.Printf("predicted: initialized=%d staged=%d swapped=%d queued=%d dropped=%d applied=%d (safepoint %d) skipped=%d\n",
		cs.Initialized, cs.Staged, cs.ClassSwapped, cs.Queued, cs.Dropped, cs.Applied, applied, cs.Skipped)
	fmt.Printf("class refs visited=%d translations=%d used=%d/%d\n",
		visited, j.Table().Len(), j.Cache().Used(), j.Cache().Capacity())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitstress: %v\n", err)
		os.Exit(1)
	}
}
