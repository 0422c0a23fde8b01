package codecache

import (
	"errors"
	"runtime"
	"testing"
)

func newHeap(t *testing.T, size int) *Cache {
	t.Helper()
	c, err := New(Options{Size: size, Backing: BackingHeap})
	if err != nil {
		t.Fatalf("New()=%v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReserveIsMonotonic(t *testing.T) {
	c := newHeap(t, 4096)
	last := -1
	for _, n := range []int{1, 8, 13, 64, 3} {
		off, err := c.Reserve(n)
		if err != nil {
			t.Fatalf("Reserve(%d)=%v", n, err)
		}
		if off <= last || off%8 != 0 {
			t.Fatalf("Reserve(%d)=%d after %d", n, off, last)
		}
		last = off
	}
	if got := c.Used(); got != 8+8+16+64+8 {
		t.Fatalf("Used()=%d", got)
	}
}

// An oversized reservation reports full and leaves the cursor alone; the
// flag is sticky until Reset.
func TestReserveFullIsSticky(t *testing.T) {
	c := newHeap(t, 4096)
	if _, err := c.Reserve(100); err != nil {
		t.Fatalf("Reserve(100)=%v", err)
	}
	used := c.Used()

	if _, err := c.Reserve(c.Capacity()); !errors.Is(err, ErrFull) {
		t.Fatalf("oversized Reserve err=%v, want ErrFull", err)
	}
	if c.Used() != used || !c.IsFull() {
		t.Fatalf("Used()=%d full=%v after failed reserve, want %d and full", c.Used(), c.IsFull(), used)
	}
	if _, err := c.Reserve(8); !errors.Is(err, ErrFull) {
		t.Fatalf("small Reserve on a full cache err=%v", err)
	}

	v := c.Version()
	c.Reset()
	if c.IsFull() || c.Used() != 0 || c.Version() != v+1 {
		t.Fatalf("after Reset: full=%v used=%d version=%d", c.IsFull(), c.Used(), c.Version())
	}
	if off, err := c.Reserve(8); err != nil || off != 0 {
		t.Fatalf("Reserve after Reset=%d, %v", off, err)
	}
}

func TestPatchWindow(t *testing.T) {
	c := newHeap(t, 4096)
	off, _ := c.Reserve(32)

	w := c.BeginPatch(off, 0)
	if c.Protection() != ReadWriteExecute {
		t.Fatalf("protection inside window=%v", c.Protection())
	}
	w.Write(off, []byte{1, 2, 3, 4})
	w.Store64(off+8, 0x1122334455667788)
	w.Store32(off+16, 0xcafef00d)
	if lo, hi := w.Range(); lo != off || hi != off+20 {
		t.Fatalf("Range()=[%d, %d), want [%d, %d)", lo, hi, off, off+20)
	}
	flushes := c.Stats().Flushes
	w.End()

	if c.Protection() != ReadExecute {
		t.Fatalf("protection after End=%v", c.Protection())
	}
	if c.Stats().Flushes != flushes+1 || c.Stats().Patches != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
	if got := c.Load32(off); got != 0x04030201 {
		t.Fatalf("Load32()=0x%x", got)
	}
	if got := c.Load64(off + 8); got != 0x1122334455667788 {
		t.Fatalf("Load64()=0x%x", got)
	}
	buf := make([]byte, 4)
	c.ReadAt(buf, off+16)
	if buf[0] != 0x0d || buf[3] != 0xca {
		t.Fatalf("ReadAt()=%x", buf)
	}

	w = c.BeginPatch(off, 8)
	w.NoFlush()
	w.Store64(off+8, 0)
	w.End()
	if c.Stats().Flushes != flushes+1 {
		t.Fatalf("NoFlush window flushed")
	}
}

func TestMisalignedAccessPanics(t *testing.T) {
	c := newHeap(t, 4096)
	defer func() {
		if recover() == nil {
			t.Fatalf("misaligned Load64 did not panic")
		}
	}()
	c.Load64(4)
}

func TestEndTwicePanics(t *testing.T) {
	c := newHeap(t, 4096)
	w := c.BeginPatch(0, 4)
	w.End()
	defer func() {
		if recover() == nil {
			t.Fatalf("second End did not panic")
		}
	}()
	w.End()
}

func TestResetClearsBytes(t *testing.T) {
	c := newHeap(t, 4096)
	off, _ := c.Reserve(8)
	w := c.BeginPatch(off, 8)
	w.Store64(off, ^uint64(0))
	w.End()

	c.Reset()
	if got := c.Load64(off); got != 0 {
		t.Fatalf("word after Reset=0x%x", got)
	}
	if c.Stats().Resets != 1 {
		t.Fatalf("Resets=%d", c.Stats().Resets)
	}
}

func TestMmapBacking(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("mmap backing needs linux or darwin")
	}
	c, err := New(Options{Size: 10000, Backing: BackingMmap})
	if err != nil {
		t.Skipf("mmap backing unavailable: %v", err)
	}
	defer c.Close()

	if c.Capacity()%4096 != 0 || c.Capacity() < 10000 {
		t.Fatalf("Capacity()=%d", c.Capacity())
	}
	off, err := c.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve()=%v", err)
	}
	w := c.BeginPatch(off, 16)
	w.Store32(off, 0xd65f03c0)
	w.End()
	if got := c.Load32(off); got != 0xd65f03c0 {
		t.Fatalf("Load32()=0x%x", got)
	}
}

func TestParseBacking(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Backing
	}{{"", BackingMmap}, {"mmap", BackingMmap}, {"heap", BackingHeap}} {
		got, err := ParseBacking(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParseBacking(%q)=%v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseBacking("rom"); err == nil {
		t.Fatalf("ParseBacking accepted an unknown backing")
	}
}
