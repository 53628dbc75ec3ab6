package lower

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/lower/compiler/abi"
	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/regalloc"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

type (
	fnContext struct {
		d  *target.Descriptor
		ts *target.Set
		f  *ir.Func

		a    *regalloc.Assignment
		ivs  []regalloc.Interval
		vars map[ir.VarID]ir.Var

		b    *obj.Builder
		text int

		labels map[ir.Label]int
		fixups []fixup
		long   map[int]bool

		scr [ir.NClasses]int
		nsw int

		// frame layout, sp-relative after the prologue adjustment:
		// [0, callArea) outgoing stack arguments, then the shuffle
		// area, then the struct-return buffer, spill slots last
		callArea int
		shufBase int
		sretBase int
		sretIn   int
		slotBase int
		frame    int

		fnPlan abi.Plan
	}

	// operand is a lowered instruction input: a placed value, an
	// immediate, or the address of a frame offset.
	operand struct {
		t   tp.Type
		loc regalloc.Loc

		imm   int64
		isImm bool

		addrOff int
		isAddr  bool
	}
)

// Func lowers one function to native words in a fresh object.
// Branch displacement overflow retries the function with the
// offending branch in long form, everything else is fatal.
func Func(ctx context.Context, ts *target.Set, d *target.Descriptor, f *ir.Func) (_ *obj.Object, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lower func", "name", f.Name, "target", d.Name)
	defer tr.Finish("err", &err)

	ivs := regalloc.Intervals(f)

	asn, err := regalloc.Alloc(ctx, d, f, ivs)
	if err != nil {
		return nil, errors.Wrap(err, "alloc")
	}

	vars := make(map[ir.VarID]ir.Var, len(f.Vars))
	for _, v := range f.Vars {
		vars[v.ID] = v
	}

	long := map[int]bool{}

	for {
		fc := &fnContext{
			d:    d,
			ts:   ts,
			f:    f,
			a:    asn,
			ivs:  ivs,
			vars: vars,
			long: long,
		}

		err = fc.layout()
		if err != nil {
			return nil, errors.Wrap(err, "frame layout")
		}

		err = fc.run(ctx)

		var ov OverflowError
		if errors.As(err, &ov) {
			if long[ov.Instr] {
				return nil, errors.Wrap(err, "long form")
			}

			long[ov.Instr] = true
			tr.V("branch_retry").Printw("branch overflow, retry long", "instr", ov.Instr)

			continue
		}
		if err != nil {
			return nil, err
		}

		return fc.b.Object(), nil
	}
}

func (fc *fnContext) run(ctx context.Context) (err error) {
	tr := tlog.SpanFromContext(ctx)

	fc.b = obj.NewBuilder(int(fc.d.ID))
	fc.text = fc.b.Section(".text", obj.SectRead|obj.SectExec|obj.SectAlloc)
	fc.labels = map[ir.Label]int{}
	fc.fixups = nil
	fc.nsw = 0

	start := fc.b.Len(fc.text)

	fc.prologue()

	for i, x := range fc.f.Code {
		if tr.If("instr") {
			tr.Printw("instr", "i", i, "op", x.Op, "ops", x.Ops)
		}

		for _, m := range fc.a.Before[i] {
			fc.move(m.Type, fc.adj(m.To), fc.adj(m.From))
		}

		err = fc.instr(ctx, i, x)
		if err != nil {
			return errors.Wrap(err, "%v: instr %d (%v)", fc.f.Name, i, x.Op)
		}

		for _, m := range fc.a.After[i] {
			fc.move(m.Type, fc.adj(m.To), fc.adj(m.From))
		}
	}

	err = fc.resolve()
	if err != nil {
		return err
	}

	fc.b.Symbol(obj.Symbol{
		Name:    fc.f.Name,
		Bind:    obj.Global,
		Kind:    obj.SymFunc,
		Section: fc.text,
		Off:     start,
		Size:    fc.b.Len(fc.text) - start,
	})

	return nil
}

// adj turns an allocator frame offset into a final sp-relative one.
func (fc *fnContext) adj(l regalloc.Loc) regalloc.Loc {
	if l.Kind == regalloc.LocSlot {
		l.Off += fc.slotBase
	}

	return l
}

func (fc *fnContext) vloc(v regalloc.Val, i int) regalloc.Loc {
	return fc.adj(fc.a.At(v, i))
}

// layout sizes the frame: the deepest outgoing call, the argument
// shuffle area, the widest struct-return buffer, and the allocator
// spill area on top.
func (fc *fnContext) layout() (err error) {
	std, ok := fc.d.ABIs[regalloc.RuntimeABI]
	if !ok {
		return errors.Wrap(target.ErrConfiguration, "no %v abi", regalloc.RuntimeABI)
	}

	fc.fnPlan, err = abi.LowerCall(std, fc.d.PtrBits, fc.f.In, fc.f.Out)
	if err != nil {
		return errors.Wrap(err, "function signature")
	}

	word := int(fc.d.PtrBits) / 8

	maxStack, maxArgs, maxSret := 0, 0, 0

	account := func(p abi.Plan, nargs int) {
		if p.StackBytes > maxStack {
			maxStack = p.StackBytes
		}
		if nargs > maxArgs {
			maxArgs = nargs
		}
		if p.SRet {
			if n := retBytes(p); n > maxSret {
				maxSret = n
			}
		}
	}

	for i, x := range fc.f.Code {
		ab, args, rets, aerr := fc.callShape(x, std)
		if aerr != nil {
			return errors.Wrap(aerr, "instr %d (%v)", i, x.Op)
		}
		if ab == nil {
			continue
		}

		p, aerr := abi.LowerCall(ab, fc.d.PtrBits, args, rets)
		if aerr != nil {
			return errors.Wrap(aerr, "instr %d (%v)", i, x.Op)
		}

		account(p, len(p.Args))
	}

	fc.callArea = alignUp(maxStack, word)
	fc.shufBase = fc.callArea
	fc.sretBase = fc.shufBase + maxArgs*8
	fc.sretIn = fc.sretBase + alignUp(maxSret, word)

	fc.slotBase = fc.sretIn
	if fc.fnPlan.SRet {
		fc.slotBase += word
	}

	fc.frame = alignUp(fc.slotBase+fc.a.Frame, fc.d.StackAlign)

	return nil
}

// callShape reports the convention and argument/return types of an
// instruction that leaves the function, nils otherwise.
func (fc *fnContext) callShape(x ir.Instr, std *target.ABI) (*target.ABI, []tp.Type, []tp.Type, error) {
	if x.Op == ir.Call {
		ab, ok := fc.d.ABIs[x.ABI]
		if !ok {
			return nil, nil, nil, errors.Wrap(abi.ErrABI, "unknown abi %v", x.ABI)
		}

		var args, rets []tp.Type

		for _, o := range x.Ops[1 : 1+x.NRet] {
			rets = append(rets, o.Type)
		}
		for _, o := range x.Ops[1+x.NRet:] {
			args = append(args, o.Type)
		}

		return ab, args, rets, nil
	}

	switch x.Op.Cat() {
	case ir.CatMath, ir.CatBit, ir.CatConv:
	default:
		return nil, nil, nil, nil
	}

	t := x.Ops[0].Type
	s := fc.d.Classify(x.Op, t)

	if s.Kind == target.Inline && s.Expand == target.ExpandVecLoop && t.Class == tp.Vec {
		t = t.Lane()
		s = fc.d.Classify(x.Op, t)
	}

	if s.Kind != target.LibraryCall {
		return nil, nil, nil, nil
	}

	inf, _ := x.Op.Info()

	var args []tp.Type
	n := inf.Nops

	for j := 1; j < n; j++ {
		args = append(args, t)
	}

	if !inf.Result { // cmp: both operands are inputs
		args = append(args, t)

		return std, args, []tp.Type{tp.MakeInt(32, true)}, nil
	}

	return std, args, []tp.Type{t}, nil
}

func retBytes(p abi.Plan) (n int) {
	for _, r := range p.Rets {
		if end := r.Off + r.Type.Size(); end > n {
			n = end
		}
	}

	return n
}

// prologue claims the frame and lands incoming arguments in their
// first allocated locations.
func (fc *fnContext) prologue() {
	fc.spadj(-fc.frame)

	hidden := 0

	if fc.fnPlan.SRet {
		hidden = 1

		al := fc.fnPlan.Args[0]
		fc.str(al.Reg, regalloc.Loc{Kind: regalloc.LocSlot, Off: fc.sretIn})
	}

	for k, t := range fc.f.In {
		v := regalloc.VarVal(ir.VarID(k))

		pl := fc.a.Place[v]
		if len(pl) == 0 { // unused parameter
			continue
		}

		dst := fc.adj(pl[0].Loc)
		al := fc.fnPlan.Args[k+hidden]

		if al.InReg {
			fc.move(t, dst, regalloc.Loc{Kind: regalloc.LocReg, Reg: al.Reg})
		} else {
			fc.move(t, dst, regalloc.Loc{Kind: regalloc.LocSlot, Off: fc.frame + al.Off})
		}
	}
}

func (fc *fnContext) instr(ctx context.Context, i int, x ir.Instr) error {
	switch x.Op {
	case ir.Lab:
		fc.labels[x.Label] = fc.b.Len(fc.text)
		return nil
	case ir.B:
		fc.branch(i, fc.d.Fixed.B, 0, x.Label)
		return nil
	case ir.BCond:
		return fc.branchCond(i, x)
	case ir.Call:
		return fc.call(ctx, i, x)
	case ir.Ret:
		return fc.ret(i, x)
	case ir.Switch:
		return fc.targetSwitch(i, x)
	case ir.Decl:
		return fc.decl(i, x)
	case ir.Kill, ir.Scope, ir.Unscope:
		return nil
	case ir.Mov:
		return fc.mov(i, x)
	case ir.Lea:
		return fc.lea(i, x)
	}

	t := x.Ops[0].Type

	var dst regalloc.Loc
	var srcs []operand

	inf, ok := x.Op.Info()
	if !ok {
		return errors.Wrap(ir.ErrType, "unknown op")
	}

	ops := x.Ops

	if inf.Result {
		dst = fc.dstLoc(i, ops[0])
		ops = ops[1:]
	}

	for _, o := range ops {
		srcs = append(srcs, fc.operand(i, o))
	}

	return fc.op(ctx, i, x.Op, t, dst, srcs)
}

func (fc *fnContext) operand(i int, o ir.Operand) operand {
	switch o.Kind {
	case ir.KindImm:
		return operand{t: o.Type, imm: o.Imm, isImm: true}
	case ir.KindVar:
		return operand{t: o.Type, loc: fc.vloc(regalloc.VarVal(o.Var), i)}
	case ir.KindReg:
		return operand{t: o.Type, loc: fc.vloc(regalloc.RegVal(o.Reg), i)}
	default:
		panic(o.Kind)
	}
}

func (fc *fnContext) dstLoc(i int, o ir.Operand) regalloc.Loc {
	switch o.Kind {
	case ir.KindVar:
		return fc.vloc(regalloc.VarVal(o.Var), i)
	case ir.KindReg:
		return fc.vloc(regalloc.RegVal(o.Reg), i)
	default:
		panic(o.Kind)
	}
}

// op realizes one operation at already-placed locations, following
// the table strategy. Expansions recurse with lane or half locations.
func (fc *fnContext) op(ctx context.Context, i int, op ir.Op, t tp.Type, dst regalloc.Loc, srcs []operand) error {
	s := fc.d.Classify(op, t)

	switch s.Kind {
	case target.Native:
		fc.emitNative(s.Tmpl, t, dst, srcs)
		return nil
	case target.Sequence:
		return fc.emitSeq(op, s.Seq, t, dst, srcs)
	case target.Inline:
		return fc.expand(ctx, i, op, t, s.Expand, dst, srcs)
	case target.LibraryCall:
		return fc.libcall(ctx, i, op, t, s.Call, dst, srcs)
	default:
		panic(s.Kind)
	}
}

func (fc *fnContext) decl(i int, x ir.Instr) error {
	v, ok := fc.vars[x.Ops[0].Var]
	if !ok || v.Init == nil {
		return nil
	}

	val := regalloc.VarVal(x.Ops[0].Var)
	if len(fc.a.Place[val]) == 0 {
		return nil
	}

	fc.loadImm(v.Type, *v.Init, fc.vloc(val, i))

	return nil
}

func (fc *fnContext) mov(i int, x ir.Instr) error {
	dst := fc.dstLoc(i, x.Ops[0])
	src := fc.operand(i, x.Ops[1])

	if src.isImm {
		fc.loadImm(x.Ops[0].Type, src.imm, dst)
		return nil
	}

	fc.move(x.Ops[0].Type, dst, src.loc)

	return nil
}

// lea takes the address of a frame value or a symbol.
func (fc *fnContext) lea(i int, x ir.Instr) error {
	dst := fc.dstLoc(i, x.Ops[0])
	src := x.Ops[1]

	r := dst.Reg
	if dst.Kind != regalloc.LocReg {
		r = fc.scratch(ir.GP)
	}

	switch src.Kind {
	case ir.KindSym:
		fc.movI(r, 0)
		fc.b.Reloc(obj.Reloc{
			Section: fc.text,
			Off:     fc.b.Len(fc.text) - 4,
			Sym:     src.Sym,
			Kind:    obj.RelAbs,
			Big:     fc.d.BigEndian,
		})
	case ir.KindVar:
		l := fc.vloc(regalloc.VarVal(src.Var), i)
		if l.Kind != regalloc.LocSlot {
			return errors.Wrap(ir.ErrType, "address of a register value")
		}

		opc := fc.d.Classify(ir.Lea, tp.MakePtr(fc.d.PtrBits)).Tmpl.Opc

		fc.emitWord(fc.word(opc, r, fieldFrame, 0))
		fc.emitImm(int64(l.Off))
	default:
		return errors.Wrap(ir.ErrType, "lea of %v", src.Kind)
	}

	if dst.Kind == regalloc.LocSlot {
		fc.str(r, dst)
	}

	return nil
}

func (fc *fnContext) branchCond(i int, x ir.Instr) error {
	if cc, ok := fc.d.Cond[x.Cond]; ok {
		fc.branch(i, fc.d.Fixed.BCond, int(cc), x.Label)
		return nil
	}

	// no native condition: invert and hop over an unconditional jump
	inv, ok := inverse[x.Cond]
	if !ok {
		return errors.Wrap(target.ErrConfiguration, "condition %v", x.Cond)
	}

	icc, ok := fc.d.Cond[inv]
	if !ok {
		return errors.Wrap(target.ErrConfiguration, "condition %v and its inverse missing", x.Cond)
	}

	skip := 4
	if fc.long[i] {
		skip = 8
	}

	fc.emitWord(fc.word(fc.d.Fixed.BCond, int(icc), 0, 0) | uint32(uint16(skip)))
	fc.branch(i, fc.d.Fixed.B, 0, x.Label)

	return nil
}

var inverse = map[ir.Cond]ir.Cond{
	"==": "!=", "!=": "==",
	"<": ">=", ">=": "<",
	"<=": ">", ">": "<=",
}

func (fc *fnContext) call(ctx context.Context, i int, x ir.Instr) error {
	var args, rets []operand

	for _, o := range x.Ops[1 : 1+x.NRet] {
		rets = append(rets, operand{t: o.Type, loc: fc.dstLoc(i, o)})
	}
	for _, o := range x.Ops[1+x.NRet:] {
		args = append(args, fc.operand(i, o))
	}

	return fc.emitCall(ctx, x.Ops[0].Sym, x.ABI, obj.RelPC, args, rets)
}

func (fc *fnContext) ret(i int, x ir.Instr) error {
	if len(x.Ops) != len(fc.f.Out) {
		return errors.Wrap(abi.ErrABI, "%d values returned, function declares %d", len(x.Ops), len(fc.f.Out))
	}

	for k, o := range x.Ops {
		if o.Type.Class != fc.f.Out[k].Class {
			return errors.Wrap(abi.ErrABI, "return %d: %v returned as %v", k, fc.f.Out[k].Class, o.Type.Class)
		}
	}

	if fc.fnPlan.SRet {
		p := fc.scratch(ir.GP)
		fc.ldr(p, regalloc.Loc{Kind: regalloc.LocSlot, Off: fc.sretIn})

		for k, o := range x.Ops {
			src := fc.operand(i, o)
			err := fc.storeThrough(p, fc.fnPlan.Rets[k].Off, src)
			if err != nil {
				return err
			}
		}
	} else {
		for k, o := range x.Ops {
			rl := fc.fnPlan.Rets[k]
			src := fc.operand(i, o)

			if src.isImm {
				fc.loadImm(o.Type, src.imm, regalloc.Loc{Kind: regalloc.LocReg, Reg: rl.Reg})
			} else {
				fc.move(o.Type, regalloc.Loc{Kind: regalloc.LocReg, Reg: rl.Reg}, src.loc)
			}
		}
	}

	fc.spadj(fc.frame)
	fc.emitWord(fc.word(fc.d.Fixed.Ret, 0, 0, 0))

	return nil
}

// targetSwitch hands control to another architecture: emits the
// switch word and records how every live frame value travels.
func (fc *fnContext) targetSwitch(i int, x ir.Instr) error {
	dest, err := fc.ts.Get(x.ABI)
	if err != nil {
		return errors.Wrap(err, "destination target")
	}

	var maps []obj.DataMapping

	for _, iv := range fc.ivs {
		if !iv.Fixed || iv.Start > i || iv.End <= i {
			continue
		}

		src := fc.a.At(iv.Val, i)
		if src.Kind != regalloc.LocSlot {
			return errors.Wrap(ir.ErrType, "%v not in frame at switch", iv.Val)
		}

		m, merr := abi.Marshal(fc.d, dest, iv.Type, src.Off, src.Off)
		if merr != nil {
			return errors.Wrap(merr, "%v", iv.Val)
		}

		maps = append(maps, m)
	}

	ret := fmt.Sprintf("%v.sw%d", fc.f.Name, fc.nsw)
	fc.nsw++

	idx := len(fc.b.Object().Switches)

	fc.emitWord(fc.word(fc.d.Fixed.Switch, 0, 0, 0))
	fc.emitImm(int64(idx))

	fc.b.Switch(obj.TargetSwitch{
		From:  int(fc.d.ID),
		To:    int(dest.ID),
		Entry: x.Ops[0].Sym,
		Ret:   ret,
		Maps:  maps,
	})

	fc.b.Symbol(obj.Symbol{
		Name:    ret,
		Bind:    obj.Local,
		Kind:    obj.SymFunc,
		Section: fc.text,
		Off:     fc.b.Len(fc.text),
	})

	return nil
}

func alignUp(x, to int) int {
	return (x + to - 1) &^ (to - 1)
}
