// Package listing reads and writes YAML descriptions of a compilation unit:
// raw records by descriptor key, labels, alignment, chaining cells and the
// load macros every target provides.
package listing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/lir"
	"github.com/tinyrange/tracejit/internal/vm"
)

const DefaultTarget = "arm64"

// Listing is one unit.
type Listing struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Target  string `yaml:"target"`
	Source  uint64 `yaml:"source"`
	Method  uint64 `yaml:"method,omitempty"`

	Trace   []Run    `yaml:"trace,omitempty"`
	Classes []Class  `yaml:"classes,omitempty"`
	Records []Record `yaml:"records"`
}

type Run struct {
	Start uint32 `yaml:"start"`
	Insts uint16 `yaml:"insts"`
}

type Class struct {
	Descriptor string `yaml:"descriptor"`
	Loader     uint64 `yaml:"loader,omitempty"`
}

// Record is one line of a listing. Exactly one of Op, Align, Cell, Load,
// Word or a bare Label is set. A Label next to Cell names the cell so
// branches can target it.
type Record struct {
	Op     string  `yaml:"op,omitempty"`
	Args   []int32 `yaml:"args,omitempty"`
	Target string  `yaml:"target,omitempty"`

	Label string `yaml:"label,omitempty"`
	Align int    `yaml:"align,omitempty"`

	Cell    string `yaml:"cell,omitempty"`
	Slot    int    `yaml:"slot,omitempty"`
	Payload uint32 `yaml:"payload,omitempty"`

	Load *LoadOp `yaml:"load,omitempty"`
	Word *uint32 `yaml:"word,omitempty"`
}

// LoadOp is a macro load of an immediate or of a class pool entry.
type LoadOp struct {
	Reg   int    `yaml:"reg"`
	Value *int32 `yaml:"value,omitempty"`
	// Class indexes Listing.Classes.
	Class *int `yaml:"class,omitempty"`
}

func (l *Listing) normalize() {
	if l.Version == 0 {
		l.Version = 1
	}
	if l.Name == "" {
		l.Name = "trace"
	}
	if l.Target == "" {
		l.Target = DefaultTarget
	}
}

// Identities returns the class identities the listing refers to.
func (l Listing) Identities() []vm.ClassIdentity {
	out := make([]vm.ClassIdentity, len(l.Classes))
	for i, c := range l.Classes {
		out[i] = vm.ClassIdentity{Descriptor: c.Descriptor, Loader: vm.LoaderRef(c.Loader)}
	}
	return out
}

func Parse(data []byte) (Listing, error) {
	var l Listing
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Listing{}, fmt.Errorf("parse listing: %w", err)
	}
	l.normalize()
	return l, nil
}

func Load(path string) (Listing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Listing{}, fmt.Errorf("read %s: %w", path, err)
	}
	l, err := Parse(data)
	if err != nil {
		return Listing{}, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Write stores l as YAML at path.
func Write(path string, l Listing) error {
	l.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&l); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Template is a small listing that exercises every record form.
func Template(target string) Listing {
	seven, big := int32(7), int32(0x12345678)
	zero := 0
	word := uint32(0xcafef00d)
	return Listing{
		Version: 1,
		Name:    "template",
		Target:  target,
		Source:  0x1000,
		Method:  0x77,
		Trace:   []Run{{Start: 0x1000, Insts: 3}},
		Classes: []Class{{Descriptor: "Ljava/lang/Object;"}},
		Records: []Record{
			{Load: &LoadOp{Reg: 1, Value: &seven}},
			{Load: &LoadOp{Reg: 2, Value: &big}},
			{Load: &LoadOp{Reg: 3, Class: &zero}},
			{Op: "cbz", Args: []int32{1, 0}, Target: "taken"},
			{Op: "b", Target: "fallthrough"},
			{Align: 4},
			{Word: &word},
			{Cell: "normal", Label: "fallthrough", Slot: 0, Payload: 0x1003},
			{Cell: "normal", Label: "taken", Slot: 0, Payload: 0x2000},
			{Cell: "predicted"},
		},
	}
}

var errShape = errors.New("record must set exactly one of op, label, align, cell, load or word")

func (r Record) kind() (string, error) {
	n := 0
	k := ""
	set := func(ok bool, name string) {
		if ok {
			n++
			k = name
		}
	}
	set(r.Op != "", "op")
	set(r.Align != 0, "align")
	set(r.Cell != "", "cell")
	set(r.Load != nil, "load")
	set(r.Word != nil, "word")
	if n == 0 && r.Label != "" {
		return "label", nil
	}
	if n != 1 {
		return "", errShape
	}
	return k, nil
}

// Unit builds the records of l into a unit for tg. table resolves op keys
// and must be tg's descriptor table.
func (l Listing) Unit(tg asm.Target, table lir.Descriptors) (*asm.Unit, error) {
	u := asm.NewUnit(tg, l.Source)
	u.Trace.Method = vm.MethodRef(l.Method)
	for _, r := range l.Trace {
		u.Trace.Runs = append(u.Trace.Runs, asm.TraceRun{StartOffset: r.Start, NumInsts: r.Insts})
	}
	if n := len(u.Trace.Runs); n > 0 {
		u.Trace.Runs[n-1].RunEnd = true
	}
	ids := l.Identities()

	labels := map[string]*lir.Record{}
	define := func(name string, r *lir.Record) error {
		if _, dup := labels[name]; dup {
			return fmt.Errorf("label %q defined twice", name)
		}
		labels[name] = r
		return nil
	}
	type fixup struct {
		r     *lir.Record
		label string
		line  int
	}
	var fixups []fixup

	for i, rec := range l.Records {
		kind, err := rec.kind()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		switch kind {
		case "op":
			d, ok := table.ByKey(rec.Op)
			if !ok {
				return nil, fmt.Errorf("record %d: unknown op %q for %s", i, rec.Op, tg.Name())
			}
			if len(rec.Args) > 4 {
				return nil, fmt.Errorf("record %d: %d operands", i, len(rec.Args))
			}
			r := lir.New(d.Opcode, rec.Args...)
			u.List.Append(r)
			lir.SetupResourceMasks(r, table)
			if rec.Target != "" {
				fixups = append(fixups, fixup{r, rec.Target, i})
			}
			if rec.Label != "" {
				return nil, fmt.Errorf("record %d: label on an op; put it on its own line", i)
			}
		case "label":
			if err := define(rec.Label, u.List.Label()); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		case "align":
			u.List.Align(rec.Align)
		case "word":
			tg.DataWord(u, *rec.Word)
		case "load":
			switch {
			case rec.Load.Value != nil && rec.Load.Class == nil:
				tg.LoadImmediate(u, rec.Load.Reg, *rec.Load.Value)
			case rec.Load.Class != nil && rec.Load.Value == nil:
				idx := *rec.Load.Class
				if idx < 0 || idx >= len(ids) {
					return nil, fmt.Errorf("record %d: class %d not in the class list", i, idx)
				}
				tg.LoadClassPointer(u, rec.Load.Reg, ids[idx])
			default:
				return nil, fmt.Errorf("record %d: load needs exactly one of value or class", i)
			}
		case "cell":
			var marker *lir.Record
			if rec.Cell == asm.CellPredicted.String() {
				marker = u.PredictedCell()
			} else {
				k, err := asm.ParseCellKind(rec.Cell)
				if err != nil {
					return nil, fmt.Errorf("record %d: %w", i, err)
				}
				marker = u.ChainingCell(k, rec.Slot, rec.Payload)
			}
			if rec.Label != "" {
				if err := define(rec.Label, marker); err != nil {
					return nil, fmt.Errorf("record %d: %w", i, err)
				}
			}
		}
	}

	for _, f := range fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, fmt.Errorf("record %d: undefined label %q", f.line, f.label)
		}
		f.r.Target = target
	}
	return u, nil
}
