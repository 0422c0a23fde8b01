package thumb2

import "github.com/tinyrange/tracejit/internal/lir"

// Registers.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
)

// RSelf holds the thread pointer in generated code; cells load dispatcher
// entries relative to it.
const RSelf = R6

// Real opcodes, in table order.
const (
	Data16 lir.Opcode = iota
	AddRRI3
	AddRI8
	AddRRR
	AddPcRel
	BCond
	BUncond
	Bl1
	Bl2
	Blx1
	Blx2
	BlxR
	Bx
	CmpRI8
	CmpRR
	LdrRRI5
	LdrPcRel
	MovImm
	MovRR
	Orr
	StrRRI5
	SubRI8
	SubRRI3
	Push
	Pop
	Undefined
	Nop
	Thumb2Cbnz
	Thumb2Cbz
	Thumb2AddRRI12
	Thumb2MovImm16
	Thumb2LdrRRI12
	Thumb2StrRRI12
	Thumb2LdrPcRel12
	Thumb2BCond
	numOpcodes
)

const (
	// paddingMovR5R5 is "adds r5, r5, #0", used to fill alignment gaps.
	paddingMovR5R5 = 0x1c2d
	// orrR0R0 is the second half of an unchained or near-chained cell.
	orrR0R0 = 0x4300
	// branchSelf is "b ." and is the initial predicted cell branch.
	branchSelf = 0xe7fe
	// unchainedBranch is "b +0": fall through into the dispatcher call.
	unchainedBranch = 0xe000
)

var (
	none  = lir.Unused
	bits  = lir.Bits
	imm6  = lir.Special(lir.FieldImm6)
	imm12 = lir.Special(lir.FieldImm12)
	imm16 = lir.Special(lir.FieldImm16)
	broff = lir.Special(lir.FieldBrOffset)
)

func enc(op lir.Opcode, skeleton uint32, f0, f1, f2 lir.Field, flags lir.Flag, key, name, format string, units int) lir.Descriptor {
	return lir.Descriptor{
		Opcode:   op,
		Skeleton: skeleton,
		Fields:   [4]lir.Field{f0, f1, f2, none},
		Flags:    flags,
		Key:      key,
		Name:     name,
		Format:   format,
		Units:    units,
	}
}

var table = lir.Descriptors{
	enc(Data16, 0x0000, bits(15, 0), none, none,
		lir.IsUnaryOp, "data16", ".short", "!0x", 1),
	enc(AddRRI3, 0x1c00, bits(2, 0), bits(5, 3), bits(8, 6),
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.SetsCCodes, "add_rri3", "adds", "!0r, !1r, #!2d", 1),
	enc(AddRI8, 0x3000, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegDef0Use0|lir.SetsCCodes, "add_ri8", "adds", "!0r, #!1d", 1),
	enc(AddRRR, 0x1800, bits(2, 0), bits(5, 3), bits(8, 6),
		lir.IsTertiaryOp|lir.RegDef0Use12|lir.SetsCCodes, "add_rrr", "adds", "!0r, !1r, !2r", 1),
	enc(AddPcRel, 0xa000, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegDef0|lir.RegUsePC|lir.IsBranch|lir.IsPCRel, "add_pc_rel", "add", "!0r, pc, !1t", 1),
	enc(BCond, 0xd000, bits(7, 0), bits(11, 8), none,
		lir.IsBinaryOp|lir.IsBranch|lir.UsesCCodes|lir.IsPCRel, "b_cond", "b", "!1c !0t", 1),
	enc(BUncond, 0xe000, bits(10, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.IsPCRel, "b", "b", "!0t", 1),
	enc(Bl1, 0xf000, bits(10, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.RegDefLR|lir.IsPCRel, "bl1", "bl_1", "!0t", 1),
	enc(Bl2, 0xf800, bits(10, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.RegDefLR, "bl2", "bl_2", "!0x", 1),
	enc(Blx1, 0xf000, bits(10, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.RegDefLR|lir.IsPCRel, "blx1", "blx_1", "!0t", 1),
	enc(Blx2, 0xe800, bits(10, 0), none, none,
		lir.IsUnaryOp|lir.IsBranch|lir.RegDefLR, "blx2", "blx_2", "!0x", 1),
	enc(BlxR, 0x4780, bits(6, 3), none, none,
		lir.IsUnaryOp|lir.RegUse0|lir.IsBranch|lir.RegDefLR, "blx_r", "blx", "!0r", 1),
	enc(Bx, 0x4700, bits(6, 3), none, none,
		lir.IsUnaryOp|lir.RegUse0|lir.IsBranch, "bx", "bx", "!0r", 1),
	enc(CmpRI8, 0x2800, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegUse0|lir.SetsCCodes, "cmp_ri8", "cmp", "!0r, #!1d", 1),
	enc(CmpRR, 0x4280, bits(2, 0), bits(5, 3), none,
		lir.IsBinaryOp|lir.RegUse01|lir.SetsCCodes, "cmp_rr", "cmp", "!0r, !1r", 1),
	enc(LdrRRI5, 0x6800, bits(2, 0), bits(5, 3), bits(10, 6),
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.IsLoad, "ldr_rri5", "ldr", "!0r, [!1r, #!2d*4]", 1),
	enc(LdrPcRel, 0x4800, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegDef0|lir.RegUsePC|lir.IsLoad|lir.IsPCRel, "ldr_pc_rel", "ldr", "!0r, [pc, !1t]", 1),
	enc(MovImm, 0x2000, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegDef0|lir.SetsCCodes, "mov_imm", "movs", "!0r, #!1d", 1),
	enc(MovRR, 0x1c00, bits(2, 0), bits(5, 3), none,
		lir.IsBinaryOp|lir.RegDef0Use1|lir.SetsCCodes, "mov_rr", "movs", "!0r, !1r", 1),
	enc(Orr, 0x4300, bits(2, 0), bits(5, 3), none,
		lir.IsBinaryOp|lir.RegDef0Use01|lir.SetsCCodes, "orr", "orrs", "!0r, !1r", 1),
	enc(StrRRI5, 0x6000, bits(2, 0), bits(5, 3), bits(10, 6),
		lir.IsTertiaryOp|lir.RegUse01|lir.IsStore, "str_rri5", "str", "!0r, [!1r, #!2d*4]", 1),
	enc(SubRI8, 0x3800, bits(10, 8), bits(7, 0), none,
		lir.IsBinaryOp|lir.RegDef0Use0|lir.SetsCCodes, "sub_ri8", "subs", "!0r, #!1d", 1),
	enc(SubRRI3, 0x1e00, bits(2, 0), bits(5, 3), bits(8, 6),
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.SetsCCodes, "sub_rri3", "subs", "!0r, !1r, #!2d", 1),
	enc(Push, 0xb400, bits(8, 0), none, none,
		lir.IsUnaryOp|lir.RegDefSP|lir.RegUseSP|lir.IsStore, "push", "push", "<!0x>", 1),
	enc(Pop, 0xbc00, bits(8, 0), none, none,
		lir.IsUnaryOp|lir.RegDefSP|lir.RegUseSP|lir.IsLoad, "pop", "pop", "<!0x>", 1),
	enc(Undefined, 0xde00, bits(7, 0), none, none,
		lir.IsUnaryOp, "udf", "udf", "#!0d", 1),
	enc(Nop, 0xbf00, none, none, none,
		lir.NoOperand, "nop", "nop", "", 1),
	enc(Thumb2Cbnz, 0xb900, bits(2, 0), imm6, none,
		lir.IsBinaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "cbnz", "cbnz", "!0r, !1t", 1),
	enc(Thumb2Cbz, 0xb100, bits(2, 0), imm6, none,
		lir.IsBinaryOp|lir.RegUse0|lir.IsBranch|lir.IsPCRel, "cbz", "cbz", "!0r, !1t", 1),
	enc(Thumb2AddRRI12, 0xf2000000, bits(11, 8), bits(19, 16), imm12,
		lir.IsTertiaryOp|lir.RegDef0Use1, "add_rri12", "add", "!0r, !1r, #!2d", 2),
	enc(Thumb2MovImm16, 0xf2400000, bits(11, 8), imm16, none,
		lir.IsBinaryOp|lir.RegDef0, "movw", "movw", "!0r, #!1x", 2),
	enc(Thumb2LdrRRI12, 0xf8d00000, bits(15, 12), bits(19, 16), bits(11, 0),
		lir.IsTertiaryOp|lir.RegDef0Use1|lir.IsLoad, "ldr_rri12", "ldr.w", "!0r, [!1r, #!2d]", 2),
	enc(Thumb2StrRRI12, 0xf8c00000, bits(15, 12), bits(19, 16), bits(11, 0),
		lir.IsTertiaryOp|lir.RegUse01|lir.IsStore, "str_rri12", "str.w", "!0r, [!1r, #!2d]", 2),
	enc(Thumb2LdrPcRel12, 0xf8df0000, bits(15, 12), bits(11, 0), none,
		lir.IsBinaryOp|lir.RegDef0|lir.RegUsePC|lir.IsLoad|lir.IsPCRel, "ldr_pc_rel12", "ldr.w", "!0r, [pc, !1t]", 2),
	enc(Thumb2BCond, 0xf0008000, broff, bits(25, 22), none,
		lir.IsBinaryOp|lir.IsBranch|lir.UsesCCodes|lir.IsPCRel, "b_cond_w", "b.w", "!1c !0t", 2),
}
