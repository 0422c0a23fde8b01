package arm64

import "github.com/tinyrange/tracejit/internal/lir"

// Registers. 31 is XZR or SP depending on the instruction.
const (
	X0 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR
)

const (
	// RSelf holds the thread pointer in generated code.
	RSelf = X19
	// rScratch is the intra-procedure-call scratch register used by cells.
	rScratch = X16
)

// Real opcodes, in table order.
const (
	Data32 lir.Opcode = iota
	Nop
	AddImm
	SubImm
	AddReg
	SubReg
	AndReg
	CmpImm
	CmpReg
	TstImm
	MovReg
	Movz
	Movk
	LdrImm
	StrImm
	LdrImm32
	StrImm32
	LdrLit
	LdrLit32
	B
	Bl
	BCond
	Cbz
	Cbnz
	Tbz
	Tbnz
	Br
	Blr
	Ret
	numOpcodes
)

const (
	nopWord = 0xd503201f
	// unchainedBranch is "b .+4": fall through into the dispatcher call.
	unchainedBranch = 0x14000001
	// branchSelf is "b ." and is the initial predicted cell branch.
	branchSelf = 0x14000000
)

var (
	none    = lir.Unused
	bits    = lir.Bits
	testBit = lir.Special(lir.FieldTestBit)
)

func enc(op lir.Opcode, skeleton uint32, f0, f1, f2 lir.Field, flags lir.Flag, key, name, format string) lir.Descriptor {
	return lir.Descriptor{
		Opcode:   op,
		Skeleton: skeleton,
		Fields:   [4]lir.Field{f0, f1, f2, none},
		Flags:    flags,
		Key:      key,
		Name:     name,
		Format:   format,
		Units:    1,
	}
}

var (
	rd   = bits(4, 0)
	rn   = bits(9, 5)
	rm   = bits(20, 16)
	im12 = bits(21, 10)
	im19 = bits(23, 5)
)

var table = lir.Descriptors{
	enc(Data32, 0x00000000, bits(31, 0), none, none,
		lir.IsUnaryOp, "data32", ".word", "!0x"),
	enc(Nop, nopWord, none, none, none,
		lir.NoOperand, "nop", "nop", ""),
	enc(AddImm, 0x91000000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegDef0Use1, "add_imm", "add", "x!0d, x!1d, #!2d"),
	enc(SubImm, 0xd1000000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegDef0Use1, "sub_imm", "sub", "x!0d, x!1d, #!2d"),
	enc(AddReg, 0x8b000000, rd, rn, rm,
		lir.IsTertiaryOp|lir.RegDef0Use12, "add_reg", "add", "x!0d, x!1d, x!2d"),
	enc(SubReg, 0xcb000000, rd, rn, rm,
		lir.IsTertiaryOp|lir.RegDef0Use12, "sub_reg", "sub", "x!0d, x!1d, x!2d"),
	enc(AndReg, 0x8a000000, rd, rn, rm,
		lir.IsTertiaryOp|lir.RegDef0Use12, "and_reg", "and", "x!0d, x!1d, x!2d"),
	enc(CmpImm, 0xf100001f, rn, im12, none,
		lir.IsBinaryOp|lir.RegUse0|lir.SetsCCodes, "cmp_imm", "cmp", "x!0d, #!1d"),
	enc(CmpReg, 0xeb00001f, rn, rm, none,
		lir.IsBinaryOp|lir.RegUse01|lir.SetsCCodes, "cmp_reg", "cmp", "x!0d, x!1d"),
	enc(TstImm, 0xf200001f, rn, bits(22, 10), none,
		lir.IsBinaryOp|lir.RegUse0|lir.SetsCCodes, "tst_imm", "tst", "x!0d, #bitmask(!1x)"),
	enc(MovReg, 0xaa0003e0, rd, rm, none,
		lir.IsBinaryOp|lir.RegDef0Use1, "mov_reg", "mov", "x!0d, x!1d"),
	enc(Movz, 0xd2800000, rd, bits(20, 5), bits(22, 21),
		lir.IsTertiaryOp|lir.RegDef0, "movz", "movz", "x!0d, #!1x, lsl #16*!2d"),
	enc(Movk, 0xf2800000, rd, bits(20, 5), bits(22, 21),
		lir.IsTertiaryOp|lir.RegDef0Use0, "movk", "movk", "x!0d, #!1x, lsl #16*!2d"),
	enc(LdrImm, 0xf9400000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.IsLoad, "ldr_imm", "ldr", "x!0d, [x!1d, #!2d*8]"),
	enc(StrImm, 0xf9000000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegUse01|lir.IsStore, "str_imm", "str", "x!0d, [x!1d, #!2d*8]"),
	enc(LdrImm32, 0xb9400000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.IsLoad, "ldr_imm32", "ldr", "w!0d, [x!1d, #!2d*4]"),
	enc(StrImm32, 0xb9000000, rd, rn, im12,
		lir.IsTertiaryOp|lir.RegUse01|lir.IsStore, "str_imm32", "str", "w!0d, [x!1d, #!2d*4]"),
	enc(LdrLit, 0x58000000, rd, im19, none,
		lir.IsBinaryOp|lir.RegDef0|lir.IsLoad|lir.IsPCRel, "ldr_lit", "ldr", "x!0d, !1t"),
	enc(LdrLit32, 0x18000000, rd, im19, none,
		lir.IsBinaryOp|lir.RegDef0|lir.IsLoad|lir.IsPCRel, "ldr_lit32", "ldr", "w!0d, !1t"),
	enc(B, 0x14000000, bits(25, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.IsPCRel, "b", "b", "!0t"),
	enc(Bl, 0x94000000, bits(25, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.RegDefLR|lir.IsPCRel, "bl", "bl", "!0t"),
	enc(BCond, 0x54000000, im19, bits(3, 0), none,
		lir.IsBinaryOp|lir.IsBranch|lir.UsesCCodes|lir.IsPCRel, "b_cond", "b.cond", "!1c !0t"),
	enc(Cbz, 0xb4000000, rd, im19, none,
		lir.IsBinaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "cbz", "cbz", "x!0d, !1t"),
	enc(Cbnz, 0xb5000000, rd, im19, none,
		lir.IsBinaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "cbnz", "cbnz", "x!0d, !1t"),
	enc(Tbz, 0x36000000, rd, testBit, bits(18, 5),
		lir.IsTertiaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "tbz", "tbz", "x!0d, #!1d, !2t"),
	enc(Tbnz, 0x37000000, rd, testBit, bits(18, 5),
		lir.IsTertiaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "tbnz", "tbnz", "x!0d, #!1d, !2t"),
	enc(Br, 0xd61f0000, rn, none, none,
		lir.IsUnaryOp|lir.RegUse0|lir.IsBranch, "br", "br", "x!0d"),
	enc(Blr, 0xd63f0000, rn, none, none,
		lir.IsUnaryOp|lir.RegUse0|lir.IsBranch|lir.RegDefLR, "blr", "blr", "x!0d"),
	enc(Ret, 0xd65f03c0, none, none, none,
		lir.NoOperand|lir.IsBranch, "ret", "ret", ""),
}
