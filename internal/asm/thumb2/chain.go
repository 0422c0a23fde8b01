package thumb2

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
)

// Chaining words are read as little-endian u32: the first halfword is the
// low half and is the one executed first.

// ChainBranch uses "b target; orrs r0, r0" when the target is within 2KB and
// the two-halfword bl pair otherwise.
func (Target) ChainBranch(site, target int) (uint32, error) {
	off := target - (site + 4)
	if off&1 != 0 {
		return 0, fmt.Errorf("chain 0x%x -> 0x%x: %w", site, target, asm.ErrMisaligned)
	}
	switch {
	case off >= bUncondMin && off <= bUncondMax:
		return orrR0R0<<16 | unchainedBranch | uint32(off>>1)&0x7ff, nil
	case off >= blMin && off <= blMax:
		first := 0xf000 | uint32(off>>12)&0x7ff
		second := 0xf800 | uint32(off>>1)&0x7ff
		return second<<16 | first, nil
	default:
		return 0, fmt.Errorf("chain 0x%x -> 0x%x: %w", site, target, asm.ErrDisplacement)
	}
}

// CanReplace allows a change only when the second halfword is the filler
// or already equal to the new one.
func (Target) CanReplace(current, next uint32) bool {
	hi := current >> 16
	return hi == orrR0R0 || hi == next>>16
}

func (Target) UnchainBranch(current uint32) uint32 {
	return current&0xffff0000 | unchainedBranch
}

func (Target) IsUnchained(word uint32) bool {
	return word&0xffff == unchainedBranch
}

func (Target) PredictedBranchInit() uint32 { return branchSelf }

// BranchWordTarget decodes a chaining word at site back into the offset it
// jumps to. ok is false for the unchained and initial forms.
func BranchWordTarget(site int, word uint32) (target int, ok bool) {
	lo := word & 0xffff
	hi := word >> 16
	switch {
	case lo == unchainedBranch || lo == branchSelf:
		return 0, false
	case lo&0xf800 == 0xe000:
		return site + 4 + int(signExtend(lo&0x7ff, 11))*2, true
	case lo&0xf800 == 0xf000 && hi&0xf800 == 0xf800:
		off := signExtend((lo&0x7ff)<<11|hi&0x7ff, 22)
		return site + 4 + int(off)*2, true
	}
	return 0, false
}
