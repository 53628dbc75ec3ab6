package lower

import (
	"context"

	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/abi"
	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/regalloc"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

// emitNative encodes one machine word from a template. A frame
// operand folds into the encoding when the template budget allows,
// everything else stages through scratch.
func (fc *fnContext) emitNative(tm target.Tmpl, t tp.Type, dst regalloc.Loc, srcs []operand) {
	var fields [2]int
	var loaded [2]bool

	budget := tm.MemOp
	hasDisp := false
	disp := 0

	for j := 0; j < len(srcs) && j < 2; j++ {
		s := srcs[j]

		switch {
		case s.isImm:
			r := fc.scratch(classOfType(s.t))
			fc.loadImm(s.t, s.imm, regalloc.Loc{Kind: regalloc.LocReg, Reg: r})
			fields[j], loaded[j] = r, true
		case s.loc.Kind == regalloc.LocReg:
			fields[j] = s.loc.Reg
		case budget > 0 && !hasDisp:
			fields[j] = fieldFrame
			hasDisp, disp = true, fc.lowLoc(s.t, s.loc).Off
			budget--
		default:
			r := fc.scratch(classOfType(s.t))
			fc.ldr(r, fc.lowLoc(s.t, s.loc))
			fields[j], loaded[j] = r, true
		}
	}

	dstf := 0
	store := false

	switch dst.Kind {
	case regalloc.LocReg:
		dstf = dst.Reg
	case regalloc.LocSlot:
		if loaded[0] { // input register is free after the op reads it
			dstf = fields[0]
		} else {
			dstf = fc.scratch(classOfType(t))
		}

		store = true
	}

	fc.emitWord(fc.word(tm.Opc, dstf, fields[0], fields[1]))

	if hasDisp {
		fc.emitImm(int64(disp))
	}
	if store {
		fc.str(dstf, dst)
	}
}

// lowLoc is the frame home of the least significant machine word of a
// value, the value itself when it fits one.
func (fc *fnContext) lowLoc(t tp.Type, l regalloc.Loc) regalloc.Loc {
	if t.Size() > int(fc.d.PtrBits)/8 {
		return fc.halfLoc(t, l, 0)
	}

	return l
}

func (fc *fnContext) emitSeq(op ir.Op, seq []target.Tmpl, t tp.Type, dst regalloc.Loc, srcs []operand) error {
	if t.Size() > int(fc.d.PtrBits)/8 {
		return fc.seqWide(op, seq, t, dst, srcs)
	}

	return fc.seqChain(seq, t, dst, srcs)
}

// seqWide runs one template per machine-word half, least significant
// first, carry flowing through the status register.
func (fc *fnContext) seqWide(op ir.Op, seq []target.Tmpl, t tp.Type, dst regalloc.Loc, srcs []operand) error {
	if dst.Kind != regalloc.LocSlot {
		return errors.Wrap(ir.ErrType, "wide value in a register")
	}

	for j, tm := range seq {
		s1 := fc.scratch(ir.GP)

		if tm.Imm { // fill half, no source
			if op == ir.Ext && t.Signed() {
				fc.signFill(s1, srcs[0])
			} else {
				fc.movI(s1, 0)
			}

			fc.str(s1, fc.halfLoc(t, dst, j))

			continue
		}

		fc.halfIn(s1, srcs[0], j)

		if len(srcs) > 1 {
			s2 := fc.scratch(ir.GP)

			fc.halfIn(s2, srcs[1], j)
			fc.emitWord(fc.word(tm.Opc, s1, s1, s2))
		} else {
			fc.emitWord(fc.word(tm.Opc, s1, s1, 0))
		}

		fc.str(s1, fc.halfLoc(t, dst, j))
	}

	return nil
}

// signFill stretches the sign bit of a source across a full machine
// word in r: shift it down to bit zero, then negate.
func (fc *fnContext) signFill(r int, o operand) {
	fc.halfIn(r, o, 0)

	s := fc.scratch(ir.GP)
	if s == r {
		s = fc.scratch(ir.GP)
	}

	fc.movI(s, uint32(fc.d.PtrBits-1))
	fc.emitWord(fc.word(fc.wordOpc(ir.Shr), r, r, s))
	fc.emitWord(fc.word(fc.wordOpc(ir.Neg), r, r, 0))
}

// halfIn brings machine word j of a source into a register. Narrow
// sources have no high half and contribute zero.
func (fc *fnContext) halfIn(r int, o operand, j int) {
	word := int(fc.d.PtrBits) / 8

	switch {
	case o.isImm:
		fc.movI(r, uint32(o.imm>>(j*word*8)))
	case o.t.Size() > word:
		fc.ldr(r, fc.halfLoc(o.t, o.loc, j))
	case j > 0:
		fc.movI(r, 0)
	case o.loc.Kind == regalloc.LocReg:
		fc.movRR(r, o.loc.Reg)
	default:
		fc.ldr(r, o.loc)
	}
}

// seqChain threads a temporary through the steps:
//
//	t = op[0](a, b); t = op[k](t, b)...; dst = op[last](a, t)
//
// which is the shape of things like mod over div/mul/sub.
func (fc *fnContext) seqChain(seq []target.Tmpl, t tp.Type, dst regalloc.Loc, srcs []operand) error {
	if len(srcs) > 1 && srcs[0].isImm && srcs[1].isImm {
		return errors.Wrap(ir.ErrType, "constant operands not folded upstream")
	}

	af, adisp := fc.srcField(srcs[0], true)

	bf, bdisp := 0, -1
	if len(srcs) > 1 {
		bf, bdisp = fc.srcField(srcs[1], adisp < 0)
	}

	s0 := -1
	store := false

	if dst.Kind == regalloc.LocReg && dst.Reg != af && dst.Reg != bf {
		s0 = dst.Reg
	} else {
		s0 = fc.scratch(classOfType(t))
		store = dst.Kind == regalloc.LocSlot
	}

	step := func(opc uint8, d, a, b, disp int) {
		fc.emitWord(fc.word(opc, d, a, b))

		if a == fieldFrame || b == fieldFrame {
			fc.emitImm(int64(disp))
		}
	}

	n := len(seq)

	for k, tm := range seq {
		switch {
		case n == 1:
			step(tm.Opc, s0, af, bf, pick(adisp, bdisp))
		case k == 0:
			step(tm.Opc, s0, af, bf, pick(adisp, bdisp))
		case k == n-1:
			step(tm.Opc, s0, af, s0, adisp)
		default:
			step(tm.Opc, s0, s0, bf, bdisp)
		}
	}

	switch {
	case store:
		fc.str(s0, dst)
	case dst.Kind == regalloc.LocReg && dst.Reg != s0:
		fc.movRR(dst.Reg, s0)
	}

	return nil
}

func pick(a, b int) int {
	if a >= 0 {
		return a
	}

	return b
}

// srcField resolves a source into an encoding field, folding a frame
// slot when the caller still has the displacement word to spare.
func (fc *fnContext) srcField(o operand, allowFold bool) (field, disp int) {
	switch {
	case o.isImm:
		r := fc.scratch(classOfType(o.t))
		fc.loadImm(o.t, o.imm, regalloc.Loc{Kind: regalloc.LocReg, Reg: r})

		return r, -1
	case o.loc.Kind == regalloc.LocReg:
		return o.loc.Reg, -1
	case allowFold:
		return fieldFrame, fc.lowLoc(o.t, o.loc).Off
	default:
		r := fc.scratch(classOfType(o.t))
		fc.ldr(r, fc.lowLoc(o.t, o.loc))

		return r, -1
	}
}

func (fc *fnContext) expand(ctx context.Context, i int, op ir.Op, t tp.Type, kind target.ExpandKind, dst regalloc.Loc, srcs []operand) error {
	word := int(fc.d.PtrBits) / 8

	switch kind {
	case target.ExpandVecLoop:
		if op.Cat() == ir.CatMem {
			return fc.chunkMem(op, t, word, dst, srcs)
		}

		return fc.vecLoop(ctx, i, op, t, dst, srcs)
	case target.ExpandWidePair:
		if op.Cat() == ir.CatMem {
			return fc.chunkMem(op, t, word, dst, srcs)
		}

		return errors.Wrap(target.ErrConfiguration, "wide pair for %v", op)
	default:
		return errors.Wrap(target.ErrConfiguration, "expansion %d", kind)
	}
}

// vecLoop lowers a vector operation lane by lane, re-entering the
// strategy dispatch with the scalar lane type.
func (fc *fnContext) vecLoop(ctx context.Context, i int, op ir.Op, t tp.Type, dst regalloc.Loc, srcs []operand) error {
	lane := t.Lane()

	if dst.Kind != regalloc.LocSlot {
		return errors.Wrap(ir.ErrType, "vector in a register")
	}

	for l := 0; l < t.Lanes(); l++ {
		off := l * lane.Size()

		ld := regalloc.Loc{Kind: regalloc.LocSlot, Off: dst.Off + off}
		ls := make([]operand, len(srcs))

		for j, s := range srcs {
			if s.isImm || s.loc.Kind != regalloc.LocSlot {
				return errors.Wrap(ir.ErrType, "vector operand %d not in frame", j)
			}

			ls[j] = operand{t: lane, loc: regalloc.Loc{Kind: regalloc.LocSlot, Off: s.loc.Off + off}}
		}

		err := fc.op(ctx, i, op, lane, ld, ls)
		if err != nil {
			return errors.Wrap(err, "lane %d", l)
		}
	}

	return nil
}

// chunkMem copies a value wider than the machine word through a
// pointer, one word per step in memory order.
func (fc *fnContext) chunkMem(op ir.Op, t tp.Type, chunk int, dst regalloc.Loc, srcs []operand) error {
	n := t.Size() / chunk

	switch op {
	case ir.Load:
		if dst.Kind != regalloc.LocSlot {
			return errors.Wrap(ir.ErrType, "wide load into a register")
		}

		areg := fc.ensureReg(srcs[0], ir.GP)

		s := fc.scratch(ir.GP)
		if s == areg {
			s = fc.scratch(ir.GP)
		}

		for j := 0; j < n; j++ {
			fc.ldrOff(s, areg, j*chunk)
			fc.str(s, regalloc.Loc{Kind: regalloc.LocSlot, Off: dst.Off + j*chunk})
		}
	case ir.Store:
		val, addr := srcs[0], srcs[1]

		areg := fc.ensureReg(addr, ir.GP)

		s := fc.scratch(ir.GP)
		if s == areg {
			s = fc.scratch(ir.GP)
		}

		for j := 0; j < n; j++ {
			switch {
			case val.isImm:
				fc.movI(s, fc.immPiece(val.imm, j, n))
			default:
				fc.ldr(s, regalloc.Loc{Kind: regalloc.LocSlot, Off: val.loc.Off + j*chunk})
			}

			fc.strOff(s, areg, j*chunk)
		}
	default:
		return errors.Wrap(target.ErrConfiguration, "chunked %v", op)
	}

	return nil
}

// immPiece is memory word j of a constant, respecting endianness.
func (fc *fnContext) immPiece(v int64, j, n int) uint32 {
	word := int(fc.d.PtrBits) / 8

	sig := j
	if fc.d.BigEndian {
		sig = n - 1 - j
	}

	return uint32(v >> (sig * word * 8))
}

func (fc *fnContext) ensureReg(o operand, cl ir.RegClass) int {
	switch {
	case o.isImm:
		r := fc.scratch(cl)
		fc.loadImm(o.t, o.imm, regalloc.Loc{Kind: regalloc.LocReg, Reg: r})

		return r
	case o.loc.Kind == regalloc.LocReg:
		return o.loc.Reg
	default:
		r := fc.scratch(cl)
		fc.ldr(r, o.loc)

		return r
	}
}

// libcall routes an operation through a runtime symbol. Comparison
// helpers return an ordering int which is then compared against zero
// to restore the flags contract.
func (fc *fnContext) libcall(ctx context.Context, i int, op ir.Op, t tp.Type, sym string, dst regalloc.Loc, srcs []operand) error {
	if op == ir.Cmp {
		s0 := fc.scratch(ir.GP)
		z := fc.scratch(ir.GP)

		ret := operand{t: tp.MakeInt(32, true), loc: regalloc.Loc{Kind: regalloc.LocReg, Reg: s0}}

		err := fc.emitCall(ctx, sym, regalloc.RuntimeABI, obj.RelPLT, srcs, []operand{ret})
		if err != nil {
			return err
		}

		fc.movI(z, 0)
		fc.emitWord(fc.word(fc.d.Fixed.Cmp, 0, s0, z))

		return nil
	}

	return fc.emitCall(ctx, sym, regalloc.RuntimeABI, obj.RelPLT, srcs, []operand{{t: t, loc: dst}})
}

// emitCall stages arguments per the convention, emits the call with
// its relocation, and lands returns. Register-resident arguments park
// in the shuffle area first so staging can never clobber one.
func (fc *fnContext) emitCall(ctx context.Context, sym, abiName string, rkind obj.RelocKind, args, rets []operand) error {
	ab, ok := fc.d.ABIs[abiName]
	if !ok {
		return errors.Wrap(abi.ErrABI, "unknown abi %v", abiName)
	}

	argTypes := make([]tp.Type, len(args))
	for j, a := range args {
		argTypes[j] = a.t
	}

	retTypes := make([]tp.Type, len(rets))
	for j, r := range rets {
		retTypes[j] = r.t
	}

	plan, err := abi.LowerCall(ab, fc.d.PtrBits, argTypes, retTypes)
	if err != nil {
		return errors.Wrap(err, "call %v", sym)
	}

	vals := args
	if plan.SRet {
		vals = append([]operand{{isAddr: true, addrOff: fc.sretBase}}, args...)
	}

	for j := range vals {
		if vals[j].isImm || vals[j].isAddr || vals[j].loc.Kind != regalloc.LocReg {
			continue
		}

		l := regalloc.Loc{Kind: regalloc.LocSlot, Off: fc.shufBase + j*8}

		fc.str(vals[j].loc.Reg, l)
		vals[j].loc = l
	}

	for k, al := range plan.Args {
		v := vals[k]

		if al.InReg {
			continue
		}

		l := regalloc.Loc{Kind: regalloc.LocSlot, Off: al.Off}

		switch {
		case v.isAddr:
			s := fc.scratch(ir.GP)
			fc.leaSP(s, v.addrOff)
			fc.str(s, l)
		case v.isImm:
			fc.loadImm(al.Type, v.imm, l)
		default:
			fc.move(al.Type, l, v.loc)
		}
	}

	for k, al := range plan.Args {
		v := vals[k]

		if !al.InReg {
			continue
		}

		rl := regalloc.Loc{Kind: regalloc.LocReg, Reg: al.Reg}

		switch {
		case v.isAddr:
			fc.leaSP(al.Reg, v.addrOff)
		case v.isImm:
			fc.loadImm(al.Type, v.imm, rl)
		default:
			fc.move(al.Type, rl, v.loc)
		}
	}

	fc.emitWord(fc.word(fc.d.Fixed.Call, 0, 0, 0))
	off := fc.emitImm(0)

	fc.b.Reloc(obj.Reloc{Section: fc.text, Off: off, Sym: sym, Kind: rkind, Big: fc.d.BigEndian})

	for k, rl := range plan.Rets {
		if rets[k].loc == (regalloc.Loc{}) { // dropped result
			continue
		}

		if plan.SRet {
			fc.move(rl.Type, rets[k].loc, regalloc.Loc{Kind: regalloc.LocSlot, Off: fc.sretBase + rl.Off})
		} else {
			fc.move(rl.Type, rets[k].loc, regalloc.Loc{Kind: regalloc.LocReg, Reg: rl.Reg})
		}
	}

	return nil
}

func (fc *fnContext) leaSP(r, off int) {
	opc := fc.d.Classify(ir.Lea, tp.MakePtr(fc.d.PtrBits)).Tmpl.Opc

	fc.emitWord(fc.word(opc, r, fieldFrame, 0))
	fc.emitImm(int64(off))
}

// storeThrough writes a value behind a pointer register at an offset,
// one machine word at a time.
func (fc *fnContext) storeThrough(p, off int, src operand) error {
	word := int(fc.d.PtrBits) / 8

	n := (src.t.Size() + word - 1) / word
	if n < 1 {
		n = 1
	}

	s := fc.scratch(classOfType(src.t))
	if s == p {
		s = fc.scratch(classOfType(src.t))
	}

	for j := 0; j < n; j++ {
		switch {
		case src.isImm:
			fc.movI(s, fc.immPiece(src.imm, j, n))
		case src.loc.Kind == regalloc.LocReg:
			fc.movRR(s, src.loc.Reg)
		default:
			fc.ldr(s, regalloc.Loc{Kind: regalloc.LocSlot, Off: src.loc.Off + j*word})
		}

		fc.strOff(s, p, off+j*word)
	}

	return nil
}
