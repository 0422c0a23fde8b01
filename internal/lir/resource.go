package lir

import "strings"

// Flag describes the resources an opcode touches.
type Flag uint64

const (
	IsBranch Flag = 1 << iota
	IsLoad
	IsStore
	RegDef0
	RegDef1
	RegUse0
	RegUse1
	RegUse2
	RegUse3
	RegDefLR
	RegDefSP
	RegUseSP
	RegUsePC
	SetsCCodes
	UsesCCodes
	NoOperand
	IsUnaryOp
	IsBinaryOp
	IsTertiaryOp
	IsQuadOp
	// IsPCRel marks records that encode a displacement to their Target.
	IsPCRel
)

const (
	RegDef0Use0   = RegDef0 | RegUse0
	RegDef0Use1   = RegDef0 | RegUse1
	RegDef0Use01  = RegDef0 | RegUse0 | RegUse1
	RegDef0Use12  = RegDef0 | RegUse1 | RegUse2
	RegUse01      = RegUse0 | RegUse1
	RegUse012     = RegUse0 | RegUse1 | RegUse2
	RegDef0Use012 = RegDef0 | RegUse0 | RegUse1 | RegUse2
)

// Arity is the operand count implied by the flags.
func (f Flag) Arity() int {
	switch {
	case f&IsQuadOp != 0:
		return 4
	case f&IsTertiaryOp != 0:
		return 3
	case f&IsBinaryOp != 0:
		return 2
	case f&IsUnaryOp != 0:
		return 1
	default:
		return 0
	}
}

func (f Flag) String() string {
	names := []string{}
	for bit, name := range flagNames {
		if f&(1<<uint(bit)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

var flagNames = [...]string{
	"branch", "load", "store", "def0", "def1", "use0", "use1", "use2", "use3",
	"defLR", "defSP", "useSP", "usePC", "setsCC", "usesCC", "noop", "unary",
	"binary", "tertiary", "quad", "pcrel",
}

// ResourceMask has one bit per general register (0..31) followed by the
// pseudo resources below.
type ResourceMask uint64

const (
	MaskCCodes ResourceMask = 1 << (32 + iota)
	MaskMemory
	MaskPC
	MaskLR
	MaskSP
)

// MaskAll is used for labels and barriers: nothing may move across them.
const MaskAll = ^ResourceMask(0)

func regBit(reg int32) ResourceMask {
	if reg < 0 || reg > 31 {
		return 0
	}
	return 1 << uint(reg)
}

// SetupResourceMasks recomputes the def/use masks of r from its descriptor.
// Rewrites call it after changing a record's opcode or operands.
func SetupResourceMasks(r *Record, t Table) {
	r.DefMask, r.UseMask = 0, 0
	if r.IsPseudo() {
		if r.Opcode == PseudoLabel || r.Opcode == PseudoBarrier {
			r.DefMask = MaskAll
		}
		return
	}
	f := t.Lookup(r.Opcode).Flags
	if f&IsBranch != 0 {
		r.DefMask |= MaskPC
		r.UseMask |= MaskPC
	}
	if f&RegDef0 != 0 {
		r.DefMask |= regBit(r.Operands[0])
	}
	if f&RegDef1 != 0 {
		r.DefMask |= regBit(r.Operands[1])
	}
	for i, use := range [...]Flag{RegUse0, RegUse1, RegUse2, RegUse3} {
		if f&use != 0 {
			r.UseMask |= regBit(r.Operands[i])
		}
	}
	if f&RegDefLR != 0 {
		r.DefMask |= MaskLR
	}
	if f&RegDefSP != 0 {
		r.DefMask |= MaskSP
	}
	if f&RegUseSP != 0 {
		r.UseMask |= MaskSP
	}
	if f&RegUsePC != 0 {
		r.UseMask |= MaskPC
	}
	if f&SetsCCodes != 0 {
		r.DefMask |= MaskCCodes
	}
	if f&UsesCCodes != 0 {
		r.UseMask |= MaskCCodes
	}
	if f&IsLoad != 0 {
		r.UseMask |= MaskMemory
	}
	if f&IsStore != 0 {
		r.DefMask |= MaskMemory
	}
}
