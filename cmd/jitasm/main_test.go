package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestBackingFlagOverridesConfigOnlyWhenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.yaml")
	if err := os.WriteFile(path, []byte("target: thumb2\nbacking: mmap\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name string
		args []string
		path string
		want string
	}{
		{"file", nil, path, "mmap"},
		{"file and flag", []string{"-backing", "heap"}, path, "heap"},
		{"no file", nil, "", "heap"},
		{"no file and flag", []string{"-backing", "mmap"}, "", "mmap"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("jitasm", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			backing := fs.String("backing", "heap", "")
			if err := fs.Parse(tc.args); err != nil {
				t.Fatal(err)
			}
			cfg, err := loadConfig(fs, tc.path, *backing)
			if err != nil {
				t.Fatalf("loadConfig()=%v", err)
			}
			if cfg.Backing != tc.want {
				t.Fatalf("Backing=%q, want %q", cfg.Backing, tc.want)
			}
		})
	}
}
