// Command timeslice summarizes a JIT phase recording.
package main

import (
	"cmp"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/tinyrange/tracejit/internal/timeslice"
)

type phase struct {
	Name  string
	Flags timeslice.Flags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (p *phase) String() string {
	return fmt.Sprintf("% 24s flags=% 22s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		p.Name, p.Flags, p.Count, p.Sum, p.Min, p.Max, p.Sum/time.Duration(p.Count))
}

func (p *phase) add(d time.Duration) {
	p.Count++
	p.Sum += d
	if p.Count == 1 || d < p.Min {
		p.Min = d
	}
	if d > p.Max {
		p.Max = d
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	filename := fs.String("filename", "", "Recording to read")
	sums := fs.Bool("sums", false, "Print per-phase totals instead of every record")
	byTotal := fs.Bool("sort", false, "With -sums, order phases by total time")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	if !*sums {
		return timeslice.ReadAllRecords(f, func(name string, flags timeslice.Flags, d time.Duration) error {
			fmt.Printf("%s %s %s\n", name, flags, d)
			return nil
		})
	}

	phases := map[string]*phase{}
	var order []*phase
	if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.Flags, d time.Duration) error {
		p, ok := phases[name]
		if !ok {
			p = &phase{Name: name, Flags: flags}
			phases[name] = p
			order = append(order, p)
		}
		p.add(d)
		return nil
	}); err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	if *byTotal {
		slices.SortStableFunc(order, func(a, b *phase) int { return cmp.Compare(b.Sum, a.Sum) })
	}
	for _, p := range order {
		fmt.Println(p.String())
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
