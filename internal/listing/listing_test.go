package listing

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/arm64"
	"github.com/tinyrange/tracejit/internal/asm/thumb2"
	"github.com/tinyrange/tracejit/internal/lir"
)

const loopYAML = `name: loop
target: arm64
source: 0x1000
method: 0x77
trace:
  - start: 0x1000
    insts: 2
records:
  - label: top
  - op: sub_imm
    args: [1, 1, 1]
  - op: cbnz
    args: [1, 0]
    target: top
  - op: b
    target: out
  - cell: backward-branch
    label: out
    slot: 3
    payload: 0x1000
`

func TestParseAndBuild(t *testing.T) {
	l, err := Parse([]byte(loopYAML))
	if err != nil {
		t.Fatalf("Parse()=%v", err)
	}
	if l.Version != 1 || l.Source != 0x1000 || l.Method != 0x77 {
		t.Fatalf("Parse()=%+v", l)
	}

	u, err := l.Unit(arm64.New(), arm64.Descriptors())
	if err != nil {
		t.Fatalf("Unit()=%v", err)
	}
	if st, err := asm.Build(u, 0, 0); st != asm.Success {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	cells := u.Cells()
	if len(cells) != 1 || cells[0].Kind != asm.CellBackwardBranch || cells[0].Offset != 12 {
		t.Fatalf("cells=%+v", cells)
	}
	if len(u.Trace.Runs) != 1 || !u.Trace.Runs[0].RunEnd {
		t.Fatalf("trace=%+v", u.Trace)
	}
}

func TestTemplateBuildsOnEveryTarget(t *testing.T) {
	for _, tt := range []struct {
		target asm.Target
		table  lir.Descriptors
	}{
		{thumb2.New(), thumb2.Descriptors()},
		{arm64.New(), arm64.Descriptors()},
	} {
		t.Run(tt.target.Name(), func(t *testing.T) {
			l := Template(tt.target.Name())
			u, err := l.Unit(tt.target, tt.table)
			if err != nil {
				t.Fatalf("Unit()=%v", err)
			}
			if st, err := asm.Build(u, 0, 0); st != asm.Success {
				t.Fatalf("Build()=%v, %v", st, err)
			}
			p, err := u.Program()
			if err != nil {
				t.Fatalf("Program()=%v", err)
			}
			if len(p.ClassPointers()) != 1 || len(p.Literals()) != 1 {
				t.Fatalf("classes=%v literals=%v", p.ClassPointers(), p.Literals())
			}
			if n := asm.CellCounts(p.Cells()); n[asm.CellNormal] != 2 || n[asm.CellPredicted] != 1 {
				t.Fatalf("cell counts=%v", n)
			}
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.yaml")
	want := Template("thumb2")
	if err := Write(path, want); err != nil {
		t.Fatalf("Write()=%v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestUnitErrors(t *testing.T) {
	for _, tt := range []struct {
		name, yaml, want string
	}{
		{"unknown op", "records:\n  - op: frob\n", "unknown op"},
		{"undefined label", "records:\n  - op: b\n    target: nowhere\n", "undefined label"},
		{"duplicate label", "records:\n  - label: a\n  - label: a\n", "defined twice"},
		{"two kinds", "records:\n  - op: nop\n    align: 4\n", "exactly one"},
		{"empty", "records:\n  - {}\n", "exactly one"},
		{"bad class", "records:\n  - load: {reg: 1, class: 2}\n", "not in the class list"},
		{"bad cell", "records:\n  - cell: lukewarm\n", "unknown chaining cell kind"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse()=%v", err)
			}
			_, err = l.Unit(arm64.New(), arm64.Descriptors())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Unit() err=%v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load()=%v", err)
	}
}

const loadsYAML = `target: thumb2
classes:
  - descriptor: LFoo;
records:
  - load: {reg: 1, value: 7}
  - load: {reg: 2, value: 0x12345678}
  - load: {reg: 3, class: 0}
  - word: 0xcafef00d
`

func TestLoadRecordsBuild(t *testing.T) {
	l, err := Parse([]byte(loadsYAML))
	if err != nil {
		t.Fatalf("Parse()=%v", err)
	}
	if r := l.Records[2]; r.Load == nil || r.Load.Class == nil || *r.Load.Class != 0 || r.Load.Value != nil {
		t.Fatalf("class load=%+v", r.Load)
	}
	u, err := l.Unit(thumb2.New(), thumb2.Descriptors())
	if err != nil {
		t.Fatalf("Unit()=%v", err)
	}
	if st, err := asm.Build(u, 0, 0); st != asm.Success {
		t.Fatalf("Build()=%v, %v", st, err)
	}
	p, err := u.Program()
	if err != nil {
		t.Fatalf("Program()=%v", err)
	}
	if got := p.Literals(); len(got) != 1 || got[0] != 0x12345678 {
		t.Fatalf("literals=%x", got)
	}
	if got := p.ClassPointers(); len(got) != 1 || got[0].Descriptor != "LFoo;" {
		t.Fatalf("classes=%v", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.yaml")
	if err := os.WriteFile(path, []byte(loadsYAML), 0o644); err != nil {
		t.Fatalf("WriteFile()=%v", err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load()=%v", err)
	}
	if l.Target != "thumb2" || l.Name != "trace" || len(l.Records) != 4 {
		t.Fatalf("Load()=%+v", l)
	}
}
