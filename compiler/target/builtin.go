package target

import (
	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/set"
	"github.com/slowlang/lower/compiler/tp"
)

// Native opcode numbers shared by the builtin descriptors. The
// numbering is per-target data, the two files just happen to agree.
const (
	opADD = 0x01 + iota
	opSUB
	opMUL
	opDIV
	opNEG
	opCMP
	opADC
	opSBC

	opAND
	opORR
	opXOR
	opSHL
	opSHR
	opNOT

	opLDR
	opSTR
	opMOV
	opMOVI
	opLEA
	opSPADJ

	opB
	opBC
	opBL
	opRET
	opSWT

	opEXT
	opTRUNC

	opFADD
	opFSUB
	opFMUL
	opFDIV
	opFNEG
	opFCMP
)

func builtinFixed() FixedOps {
	return FixedOps{
		MovImm: opMOVI,
		Mov:    opMOV,
		Load:   opLDR,
		Store:  opSTR,
		Cmp:    opCMP,

		B:      opB,
		BCond:  opBC,
		Call:   opBL,
		Ret:    opRET,
		SPAdj:  opSPADJ,
		Switch: opSWT,
	}
}

func reserved(rr ...int) set.Bits[int] {
	s := set.MakeBits(0)
	s.SetAll(rr...)

	return s
}

func native(opc uint8, memop int) Strategy {
	return Strategy{Kind: Native, Tmpl: Tmpl{Opc: opc, MemOp: memop}}
}

func seq(tt ...Tmpl) Strategy {
	return Strategy{Kind: Sequence, Seq: tt}
}

func inline(e ExpandKind) Strategy {
	return Strategy{Kind: Inline, Expand: e}
}

func libcall(sym string) Strategy {
	return Strategy{Kind: LibraryCall, Call: sym}
}

func defWidths(t CapTable, op ir.Op, cl tp.Class, ww []int16, s Strategy) {
	for _, w := range ww {
		t.Def(CapKey{Op: op, Class: cl, Bits: w}, s)
	}
}

// LR64 is the primary builtin target: 64-bit, little-endian, 16 GP
// and 8 FP registers, no vector unit. Vector operations expand to
// per-lane scalar loops.
func LR64() *Descriptor {
	d := &Descriptor{
		Name: "lr64",
		ID:   1,

		PtrBits:    64,
		StackAlign: 16,
		Atomics:    true,

		Cond: map[ir.Cond]uint8{
			"==": 0, "!=": 1,
			"<": 2, "<=": 3,
			">": 4, ">=": 5,
		},

		Enc:   Encoding{OpShift: 24, DstShift: 16, AShift: 8, BShift: 0},
		Fixed: builtinFixed(),
	}

	d.Regs[ir.GP] = RegFile{Count: 16, Reserved: reserved(12, 13, 14, 15), Scratch: []int{12, 13}}
	d.Regs[ir.FP] = RegFile{Count: 8, Reserved: reserved(6, 7), Scratch: []int{6, 7}}

	d.ABIs = map[string]*ABI{
		"std":     lr64std(),
		"compact": lr64compact(),
	}

	d.Caps = lr64caps()

	return d
}

func lr64std() *ABI {
	a := &ABI{
		Name:       "std",
		StackAlign: 16,
	}

	a.Args[ir.GP] = []int{0, 1, 2, 3, 4, 5, 6, 7}
	a.Args[ir.FP] = []int{0, 1, 2, 3}
	a.Rets[ir.GP] = []int{0, 1}
	a.Rets[ir.FP] = []int{0, 1}
	a.CalleeSaved[ir.GP] = reserved(8, 9, 10, 11)
	a.CalleeSaved[ir.FP] = reserved(4, 5)

	return a
}

// lr64compact passes two arguments in registers and the rest on the
// stack. Mostly exists to keep the stack path honest.
func lr64compact() *ABI {
	a := &ABI{
		Name:       "compact",
		StackAlign: 16,
	}

	a.Args[ir.GP] = []int{0, 1}
	a.Rets[ir.GP] = []int{0}
	a.CalleeSaved[ir.GP] = reserved(8, 9, 10, 11)

	return a
}

func lr64caps() CapTable {
	t := CapTable{}

	iw := intWidths

	// scalar integer alu, one frame operand folds into the encoding
	defWidths(t, ir.Add, tp.Int, iw, native(opADD, 1))
	defWidths(t, ir.Sub, tp.Int, iw, native(opSUB, 1))
	defWidths(t, ir.Mul, tp.Int, iw, native(opMUL, 1))
	defWidths(t, ir.Div, tp.Int, iw, native(opDIV, 1))
	defWidths(t, ir.Neg, tp.Int, iw, native(opNEG, 1))
	defWidths(t, ir.Cmp, tp.Int, iw, native(opCMP, 1))

	// mod = div, mul, sub over scratch
	defWidths(t, ir.Mod, tp.Int, iw, seq(
		Tmpl{Opc: opDIV},
		Tmpl{Opc: opMUL},
		Tmpl{Opc: opSUB},
	))

	defWidths(t, ir.And, tp.Int, iw, native(opAND, 1))
	defWidths(t, ir.Or, tp.Int, iw, native(opORR, 1))
	defWidths(t, ir.Xor, tp.Int, iw, native(opXOR, 1))
	defWidths(t, ir.Shl, tp.Int, iw, native(opSHL, 1))
	defWidths(t, ir.Shr, tp.Int, iw, native(opSHR, 1))
	defWidths(t, ir.Not, tp.Int, iw, native(opNOT, 1))

	defWidths(t, ir.Ext, tp.Int, iw, native(opEXT, 1))
	defWidths(t, ir.Trunc, tp.Int, iw, native(opTRUNC, 1))

	// float unit
	defWidths(t, ir.Add, tp.Float, floatWidths, native(opFADD, 0))
	defWidths(t, ir.Sub, tp.Float, floatWidths, native(opFSUB, 0))
	defWidths(t, ir.Mul, tp.Float, floatWidths, native(opFMUL, 0))
	defWidths(t, ir.Div, tp.Float, floatWidths, native(opFDIV, 0))
	defWidths(t, ir.Neg, tp.Float, floatWidths, native(opFNEG, 0))
	defWidths(t, ir.Cmp, tp.Float, floatWidths, native(opFCMP, 0))
	defWidths(t, ir.Mod, tp.Float, floatWidths, libcall("rt.fmod"))

	// no vector unit: everything lane-loops
	for _, op := range []ir.Op{ir.Add, ir.Sub, ir.Mul, ir.Div, ir.Mod, ir.Neg, ir.And, ir.Or, ir.Xor, ir.Shl, ir.Shr, ir.Not} {
		defWidths(t, op, tp.Vec, vecWidths, inline(ExpandVecLoop))
	}

	for _, op := range []ir.Op{ir.Load, ir.Store, ir.Mov, ir.Lea} {
		opc := memOpc(op)

		defWidths(t, op, tp.Int, iw, native(opc, 1))
		defWidths(t, op, tp.Float, floatWidths, native(opc, 1))
		defWidths(t, op, tp.Ptr, []int16{64}, native(opc, 1))
		defWidths(t, op, tp.Vec, vecWidths, inline(ExpandVecLoop))
	}

	defWidths(t, ir.Cmp, tp.Ptr, []int16{64}, native(opCMP, 1))

	return t
}

// LR32 is the constrained builtin target: 32-bit, big-endian, 8 GP
// registers, no float unit, no divider. Wide integers pair up, the
// rest goes through the runtime library.
func LR32() *Descriptor {
	d := &Descriptor{
		Name: "lr32",
		ID:   2,

		PtrBits:    32,
		BigEndian:  true,
		StackAlign: 8,

		// gt/ge are missing on purpose and synthesize through the
		// inverted pair
		Cond: map[ir.Cond]uint8{
			"==": 0, "!=": 1,
			"<": 2, "<=": 3,
		},

		Enc:   Encoding{OpShift: 24, DstShift: 16, AShift: 8, BShift: 0},
		Fixed: builtinFixed(),
	}

	d.Regs[ir.GP] = RegFile{Count: 8, Reserved: reserved(6, 7), Scratch: []int{6, 7}}

	d.ABIs = map[string]*ABI{
		"std": lr32std(),
	}

	d.Caps = lr32caps()

	return d
}

func lr32std() *ABI {
	a := &ABI{
		Name:       "std",
		StackAlign: 8,
		StackRTL:   true,
	}

	a.Args[ir.GP] = []int{0, 1, 2, 3}
	a.Rets[ir.GP] = []int{0, 1}
	a.CalleeSaved[ir.GP] = reserved(4, 5)

	return a
}

func lr32caps() CapTable {
	t := CapTable{}

	nw := []int16{8, 16, 32} // native widths
	w64 := []int16{64}

	defWidths(t, ir.Add, tp.Int, nw, native(opADD, 0))
	defWidths(t, ir.Sub, tp.Int, nw, native(opSUB, 0))
	defWidths(t, ir.Mul, tp.Int, nw, native(opMUL, 0))
	defWidths(t, ir.Neg, tp.Int, nw, native(opNEG, 0))
	defWidths(t, ir.Cmp, tp.Int, nw, native(opCMP, 0))

	// no divider
	defWidths(t, ir.Div, tp.Int, nw, libcall("rt.div32"))
	defWidths(t, ir.Mod, tp.Int, nw, libcall("rt.mod32"))

	defWidths(t, ir.And, tp.Int, nw, native(opAND, 0))
	defWidths(t, ir.Or, tp.Int, nw, native(opORR, 0))
	defWidths(t, ir.Xor, tp.Int, nw, native(opXOR, 0))
	defWidths(t, ir.Shl, tp.Int, nw, native(opSHL, 0))
	defWidths(t, ir.Shr, tp.Int, nw, native(opSHR, 0))
	defWidths(t, ir.Not, tp.Int, nw, native(opNOT, 0))

	defWidths(t, ir.Ext, tp.Int, nw, native(opEXT, 0))
	defWidths(t, ir.Trunc, tp.Int, nw, native(opTRUNC, 0))

	// 64-bit integers live in register pairs
	defWidths(t, ir.Add, tp.Int, w64, seq(Tmpl{Opc: opADD}, Tmpl{Opc: opADC}))
	defWidths(t, ir.Sub, tp.Int, w64, seq(Tmpl{Opc: opSUB}, Tmpl{Opc: opSBC}))
	defWidths(t, ir.And, tp.Int, w64, seq(Tmpl{Opc: opAND}, Tmpl{Opc: opAND}))
	defWidths(t, ir.Or, tp.Int, w64, seq(Tmpl{Opc: opORR}, Tmpl{Opc: opORR}))
	defWidths(t, ir.Xor, tp.Int, w64, seq(Tmpl{Opc: opXOR}, Tmpl{Opc: opXOR}))
	defWidths(t, ir.Not, tp.Int, w64, seq(Tmpl{Opc: opNOT}, Tmpl{Opc: opNOT}))
	defWidths(t, ir.Ext, tp.Int, w64, seq(Tmpl{Opc: opMOV}, Tmpl{Opc: opMOVI, Imm: true}))
	defWidths(t, ir.Trunc, tp.Int, w64, native(opMOV, 0))

	defWidths(t, ir.Mul, tp.Int, w64, libcall("rt.mul64"))
	defWidths(t, ir.Div, tp.Int, w64, libcall("rt.div64"))
	defWidths(t, ir.Mod, tp.Int, w64, libcall("rt.mod64"))
	defWidths(t, ir.Shl, tp.Int, w64, libcall("rt.shl64"))
	defWidths(t, ir.Shr, tp.Int, w64, libcall("rt.shr64"))
	defWidths(t, ir.Neg, tp.Int, w64, libcall("rt.neg64"))
	defWidths(t, ir.Cmp, tp.Int, w64, libcall("rt.cmp64"))

	// no float unit at all
	defWidths(t, ir.Add, tp.Float, floatWidths, libcall("rt.fadd"))
	defWidths(t, ir.Sub, tp.Float, floatWidths, libcall("rt.fsub"))
	defWidths(t, ir.Mul, tp.Float, floatWidths, libcall("rt.fmul"))
	defWidths(t, ir.Div, tp.Float, floatWidths, libcall("rt.fdiv"))
	defWidths(t, ir.Mod, tp.Float, floatWidths, libcall("rt.fmod"))
	defWidths(t, ir.Neg, tp.Float, floatWidths, libcall("rt.fneg"))
	defWidths(t, ir.Cmp, tp.Float, floatWidths, libcall("rt.fcmp"))

	for _, op := range []ir.Op{ir.Add, ir.Sub, ir.Mul, ir.Div, ir.Mod, ir.Neg, ir.And, ir.Or, ir.Xor, ir.Shl, ir.Shr, ir.Not} {
		defWidths(t, op, tp.Vec, vecWidths, inline(ExpandVecLoop))
	}

	for _, op := range []ir.Op{ir.Load, ir.Store, ir.Mov, ir.Lea} {
		opc := memOpc(op)

		defWidths(t, op, tp.Int, nw, native(opc, 0))
		defWidths(t, op, tp.Int, w64, inline(ExpandWidePair))
		defWidths(t, op, tp.Float, []int16{32}, native(opc, 0))
		defWidths(t, op, tp.Float, []int16{64}, inline(ExpandWidePair))
		defWidths(t, op, tp.Ptr, []int16{32}, native(opc, 0))
		defWidths(t, op, tp.Vec, vecWidths, inline(ExpandVecLoop))
	}

	defWidths(t, ir.Cmp, tp.Ptr, []int16{32}, native(opCMP, 0))

	return t
}

func memOpc(op ir.Op) uint8 {
	switch op {
	case ir.Load:
		return opLDR
	case ir.Store:
		return opSTR
	case ir.Mov:
		return opMOV
	case ir.Lea:
		return opLEA
	default:
		panic(op)
	}
}
