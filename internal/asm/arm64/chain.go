package arm64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
)

// ChainBranch encodes "b target". Every chaining word is one instruction,
// so any replacement is a single aligned store.
func (Target) ChainBranch(site, target int) (uint32, error) {
	off := target - site
	if off&3 != 0 {
		return 0, fmt.Errorf("chain 0x%x -> 0x%x: %w", site, target, asm.ErrMisaligned)
	}
	if off < imm26Min || off > imm26Max {
		return 0, fmt.Errorf("chain 0x%x -> 0x%x: %w", site, target, asm.ErrDisplacement)
	}
	return branchSelf | uint32(off>>2)&0x3ffffff, nil
}

func (Target) CanReplace(current, next uint32) bool { return true }

func (Target) UnchainBranch(uint32) uint32 { return unchainedBranch }

func (Target) IsUnchained(word uint32) bool { return word == unchainedBranch }

func (Target) PredictedBranchInit() uint32 { return branchSelf }

// BranchWordTarget decodes a chaining word at site. ok is false for the
// unchained and initial forms and for anything that is not a plain b.
func BranchWordTarget(site int, word uint32) (target int, ok bool) {
	if word&0xfc000000 != branchSelf || word == branchSelf || word == unchainedBranch {
		return 0, false
	}
	off := int32(word<<6) >> 6
	return site + int(off)*4, true
}
