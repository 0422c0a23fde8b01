// Command jitasm assembles a YAML listing into a code cache and prints what
// was installed.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/arm64"
	"github.com/tinyrange/tracejit/internal/asm/thumb2"
	"github.com/tinyrange/tracejit/internal/jit"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/listing"
	"github.com/tinyrange/tracejit/internal/vm"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "JIT configuration (YAML)")
	target := fs.String("target", "", "Override the listing's target")
	backing := fs.String("backing", "heap", "Code cache backing (heap or mmap)")
	template := fs.String("template", "", "Write a template listing to this path and exit")
	disasm := fs.Bool("disasm", false, "Disassemble the installed body")
	verbose := fs.Bool("v", false, "Log assembler retries")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *template != "" {
		name := *target
		if name == "" {
			name = listing.DefaultTarget
		}
		if err := listing.Write(*template, listing.Template(name)); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", *template)
		return nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one listing")
	}
	l, err := listing.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	if *target != "" {
		l.Target = *target
	}

	cfg, err := loadConfig(fs, *configPath, *backing)
	if err != nil {
		return err
	}
	cfg.Target = l.Target
	cfg.Verbose = cfg.Verbose || *verbose

	reg := vm.NewRegistry()
	for _, id := range l.Identities() {
		reg.DefineClass(id.Descriptor, id.Loader)
	}

	j, err := jit.New(jit.Options{
		Config:    cfg,
		Classes:   reg,
		Methods:   reg,
		Thread:    reg,
		Suspender: reg,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer j.Close()

	table, err := jit.Descriptors(cfg.Target)
	if err != nil {
		return err
	}
	u, err := l.Unit(j.Target(), table)
	if err != nil {
		return fmt.Errorf("%s: %w", fs.Arg(0), err)
	}
	u.Version = j.Cache().Version()
	u.Verbose = cfg.Verbose
	u.Logger = log

	cache := j.Cache()
	if st, err := asm.Build(u, cache.Addr(cache.Used()+jit.HeaderSize), cfg.MaxAssemblerRetries); st != asm.Success {
		if err == nil {
			return fmt.Errorf("assemble %s: %v", l.Name, st)
		}
		return fmt.Errorf("assemble %s: %v: %w", l.Name, st, err)
	}
	tr, err := j.Install(u)
	if err != nil {
		return fmt.Errorf("install %s: %w", l.Name, err)
	}

	report(j, l, u, tr, table)
	if *disasm {
		body := j.Bytes(tr)[:tr.Layout.BodySize]
		fmt.Println()
		switch cfg.Target {
		case "thumb2":
			fmt.Print(thumb2.Listing(body))
		case "arm64":
			fmt.Print(arm64.Listing(body))
		}
	}
	return nil
}

// loadConfig reads the configuration at path, or the defaults when path is
// empty. The file's backing stands unless -backing was set on fs.
func loadConfig(fs *flag.FlagSet, path, backing string) (jit.Config, error) {
	if path == "" {
		cfg := jit.DefaultConfig()
		cfg.Backing = backing
		return cfg, nil
	}
	cfg, err := jit.LoadConfig(path)
	if err != nil {
		return jit.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "backing" {
			cfg.Backing = backing
		}
	})
	return cfg, nil
}

func report(j *jit.JIT, l listing.Listing, u *asm.Unit, tr *jit.Translation, table lir.Table) {
	slot, countsOffset := j.Header(tr)
	fmt.Printf("%s (%s) source=0x%x base=0x%x entry=0x%x slot=%d\n",
		l.Name, j.Target().Name(), tr.Source, tr.Base, tr.Entry, slot)
	lay := tr.Layout
	fmt.Printf("  body=%d counts=+0x%x trace=+0x%x classes=+0x%x literals=+0x%x total=%d\n",
		lay.BodySize, countsOffset, lay.TraceOffset, lay.ClassPoolOffset, lay.LiteralOffset, lay.TotalSize)

	counts, gap := j.CellCounts(tr)
	for k := asm.CellKind(0); k < asm.NumCellKinds; k++ {
		fmt.Printf("  cells %-15s %d\n", k, counts[k])
	}
	fmt.Printf("  cell gap %d\n", gap)

	if d, err := j.TraceDescriptor(tr.Source); err == nil {
		fmt.Printf("  trace method=0x%x\n", uint64(d.Method))
		for _, r := range d.Runs {
			fmt.Printf("    start=0x%x insts=%d end=%v\n", r.StartOffset, r.NumInsts, r.RunEnd)
		}
	}
	for i, c := range j.ClassPool(tr) {
		fmt.Printf("  class[%d] %v\n", i, c)
	}

	fmt.Println()
	for r := u.List.First(); r != nil; r = r.Next() {
		fmt.Printf("%04x  %s\n", r.Offset, asm.FormatRecord(table, r))
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitasm: %v\n", err)
		os.Exit(1)
	}
}
