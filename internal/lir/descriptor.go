package lir

import "fmt"

// FieldKind says how an operand is folded into the skeleton bits.
type FieldKind uint8

const (
	FieldUnused FieldKind = iota
	// FieldBitBlt places the low bits of the operand in [Start, End].
	FieldBitBlt
	// FieldImm6 is the split i:imm5 displacement of Thumb2 cbz/cbnz.
	FieldImm6
	// FieldBrOffset is the S:J2:J1:imm6:imm11 displacement of the 32-bit
	// Thumb2 conditional branch.
	FieldBrOffset
	// FieldImm12 is the i:imm3:imm8 immediate of 32-bit Thumb2 ALU ops.
	FieldImm12
	// FieldImm16 is the imm4:i:imm3:imm8 immediate of Thumb2 movw.
	FieldImm16
	// FieldTestBit is the b5:b40 bit number of AArch64 tbz/tbnz.
	FieldTestBit
)

// Field is one operand slot of a descriptor.
type Field struct {
	Kind  FieldKind
	Start int
	End   int
}

// Unused is the zero slot.
var Unused = Field{Kind: FieldUnused, Start: -1, End: -1}

// Bits is a FieldBitBlt slot covering [start, end] with end >= start.
func Bits(end, start int) Field {
	return Field{Kind: FieldBitBlt, Start: start, End: end}
}

// Special is a slot whose bit layout is implied by its kind.
func Special(kind FieldKind) Field {
	return Field{Kind: kind, Start: -1, End: -1}
}

func (f Field) pack(operand int32) uint32 {
	op := uint32(operand)
	switch f.Kind {
	case FieldUnused:
		return 0
	case FieldBitBlt:
		mask := uint32((uint64(1) << uint(f.End+1)) - 1)
		return (op << uint(f.Start)) & mask
	case FieldImm6:
		return ((op&0x20)>>5)<<9 | (op&0x1f)<<3
	case FieldBrOffset:
		v := ((op & 0x80000) >> 19) << 26
		v |= ((op & 0x40000) >> 18) << 11
		v |= ((op & 0x20000) >> 17) << 13
		v |= ((op & 0x1f800) >> 11) << 16
		v |= op & 0x007ff
		return v
	case FieldImm12:
		v := ((op & 0x800) >> 11) << 26
		v |= ((op & 0x700) >> 8) << 12
		v |= op & 0x0ff
		return v
	case FieldImm16:
		v := ((op & 0x0800) >> 11) << 26
		v |= ((op & 0xf000) >> 12) << 16
		v |= ((op & 0x0700) >> 8) << 12
		v |= op & 0x0ff
		return v
	case FieldTestBit:
		return ((op>>5)&1)<<31 | (op&0x1f)<<19
	default:
		panic(fmt.Sprintf("lir: unknown field kind %d", f.Kind))
	}
}

// Extract recovers the raw (unsigned, unscaled) operand value from packed
// bits. It is the inverse of packing for every kind except FieldUnused.
func (f Field) Extract(bits uint32) uint32 {
	switch f.Kind {
	case FieldBitBlt:
		width := uint(f.End - f.Start + 1)
		return (bits >> uint(f.Start)) & uint32((uint64(1)<<width)-1)
	case FieldImm6:
		return ((bits>>9)&1)<<5 | (bits>>3)&0x1f
	case FieldBrOffset:
		v := ((bits >> 26) & 1) << 19
		v |= ((bits >> 11) & 1) << 18
		v |= ((bits >> 13) & 1) << 17
		v |= ((bits >> 16) & 0x3f) << 11
		v |= bits & 0x7ff
		return v
	case FieldImm12:
		return ((bits>>26)&1)<<11 | ((bits>>12)&7)<<8 | bits&0xff
	case FieldImm16:
		return ((bits>>16)&0xf)<<12 | ((bits>>26)&1)<<11 | ((bits>>12)&7)<<8 | bits&0xff
	case FieldTestBit:
		return ((bits>>31)&1)<<5 | (bits>>19)&0x1f
	default:
		return 0
	}
}

// Width is the number of significant operand bits the field stores.
func (f Field) Width() int {
	switch f.Kind {
	case FieldBitBlt:
		return f.End - f.Start + 1
	case FieldImm6:
		return 6
	case FieldBrOffset:
		return 20
	case FieldImm12:
		return 12
	case FieldImm16:
		return 16
	case FieldTestBit:
		return 6
	default:
		return 0
	}
}

// Descriptor is the static encoding recipe of one real opcode.
type Descriptor struct {
	Opcode   Opcode
	Skeleton uint32
	Fields   [4]Field
	Flags    Flag
	// Key is unique within a table and is used by listings.
	Key string
	// Name is the mnemonic used by dumps.
	Name string
	// Format renders operands for dumps, see FormatRecord.
	Format string
	// Units is the encoded size in storage units.
	Units int
}

// Encode folds operands into the skeleton.
func (d *Descriptor) Encode(operands [4]int32) uint32 {
	bits := d.Skeleton
	for i, f := range d.Fields {
		bits |= f.pack(operands[i])
	}
	return bits
}

// UsedFields counts the slots that are not FieldUnused.
func (d *Descriptor) UsedFields() int {
	n := 0
	for _, f := range d.Fields {
		if f.Kind != FieldUnused {
			n++
		}
	}
	return n
}

// Table maps opcodes to descriptors.
type Table interface {
	Lookup(op Opcode) *Descriptor
}

// Descriptors is a dense table indexed by opcode.
type Descriptors []Descriptor

// Lookup returns the descriptor for op. Asking for a pseudo or unknown
// opcode is a programming error and panics.
func (t Descriptors) Lookup(op Opcode) *Descriptor {
	if op < 0 || int(op) >= len(t) {
		panic(fmt.Sprintf("lir: no descriptor for %v", op))
	}
	d := &t[op]
	if d.Opcode != op {
		panic(fmt.Sprintf("lir: descriptor table out of order at %v (holds %v)", op, d.Opcode))
	}
	return d
}

// ByKey finds a descriptor by its listing key.
func (t Descriptors) ByKey(key string) (*Descriptor, bool) {
	for i := range t {
		if t[i].Key == key {
			return &t[i], true
		}
	}
	return nil, false
}

// Validate checks the table invariants: dense order, unique keys, sizes,
// and field counts within the declared arity.
func (t Descriptors) Validate() error {
	keys := make(map[string]bool, len(t))
	for i := range t {
		d := &t[i]
		if int(d.Opcode) != i {
			return fmt.Errorf("descriptor %d (%s) has opcode %d", i, d.Key, d.Opcode)
		}
		if d.Key == "" || keys[d.Key] {
			return fmt.Errorf("descriptor %d has empty or duplicate key %q", i, d.Key)
		}
		keys[d.Key] = true
		if d.Units <= 0 {
			return fmt.Errorf("descriptor %s has size %d", d.Key, d.Units)
		}
		if used, arity := d.UsedFields(), d.Flags.Arity(); used > arity {
			return fmt.Errorf("descriptor %s packs %d fields but takes %d operands", d.Key, used, arity)
		}
	}
	return nil
}
