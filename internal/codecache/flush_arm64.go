package codecache

// flushICache cleans the data cache to the point of unification and
// invalidates the instruction cache over [addr, addr+size).
//
//go:noescape
func flushICache(addr, size uintptr)
