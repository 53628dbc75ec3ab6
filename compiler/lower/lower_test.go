package lower

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/lower/compiler/abi"
	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

var (
	i32 = tp.MakeInt(32, true)
	i64 = tp.MakeInt(64, true)
)

func testSet(t *testing.T) *target.Set {
	ts, err := target.NewSet(target.LR64(), target.LR32())
	require.NoError(t, err)

	return ts
}

func lowerOne(t *testing.T, d *target.Descriptor, f *ir.Func) *obj.Object {
	ts := testSet(t)

	o, err := Func(context.Background(), ts, d, f)
	require.NoError(t, err)

	return o
}

func text(t *testing.T, o *obj.Object) []byte {
	for _, s := range o.Sections {
		if s.Name == ".text" {
			return s.Data
		}
	}

	t.Fatal("no text section")
	return nil
}

func words(d *target.Descriptor, data []byte) []uint32 {
	ww := make([]uint32, 0, len(data)/4)

	for off := 0; off+4 <= len(data); off += 4 {
		q := data[off:]

		if d.BigEndian {
			ww = append(ww, uint32(q[0])<<24|uint32(q[1])<<16|uint32(q[2])<<8|uint32(q[3]))
		} else {
			ww = append(ww, uint32(q[3])<<24|uint32(q[2])<<16|uint32(q[1])<<8|uint32(q[0]))
		}
	}

	return ww
}

func opcOf(d *target.Descriptor, w uint32) uint8 {
	return uint8(w >> d.Enc.OpShift)
}

func TestVecAddExpandsPerLane(t *testing.T) {
	d := target.LR64()
	v256 := tp.MakeVec(256, 64)

	f := &ir.Func{
		Name: "vadd",
		Vars: []ir.Var{{ID: 0, Type: v256}, {ID: 1, Type: v256}, {ID: 2, Type: v256}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(v256, 0)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(v256, 1)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(v256, 2)}},
			{Op: ir.Add, Ops: []ir.Operand{ir.VarOp(v256, 2), ir.VarOp(v256, 0), ir.VarOp(v256, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(v256, 2)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(v256, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(v256, 0)}},
			{Op: ir.Ret},
		},
	}

	o := lowerOne(t, d, f)

	add := d.Classify(ir.Add, i64).Tmpl.Opc

	n := 0
	for _, w := range words(d, text(t, o)) {
		if opcOf(d, w) == add {
			n++
		}
	}

	assert.Equal(t, 4, n, "one scalar add per lane")
}

func TestCondSynthesis(t *testing.T) {
	d := target.LR32()

	f := &ir.Func{
		Name: "gt",
		Vars: []ir.Var{{ID: 0, Type: i32}},
		Code: []ir.Instr{
			{Op: ir.Lab, Label: 0},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Cmp, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.ImmOp(i32, 10)}},
			{Op: ir.BCond, Cond: ">", Label: 0},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Ret},
		},
	}

	o := lowerOne(t, d, f)
	ww := words(d, text(t, o))

	j := -1
	for k, w := range ww {
		if opcOf(d, w) == d.Fixed.BCond {
			j = k
			break
		}
	}

	require.GreaterOrEqual(t, j, 0, "conditional branch emitted")

	w := ww[j]

	assert.Equal(t, uint32(d.Cond["<="]), w>>d.Enc.DstShift&0xff, "inverted condition")
	assert.Equal(t, uint32(4), w&0xffff, "hops over the jump")

	require.Less(t, j+1, len(ww))
	assert.Equal(t, d.Fixed.B, opcOf(d, ww[j+1]), "unconditional jump follows")
}

func TestLibcallReloc(t *testing.T) {
	d := target.LR32()

	f := &ir.Func{
		Name: "q",
		Vars: []ir.Var{{ID: 0, Type: i32}, {ID: 1, Type: i32}, {ID: 2, Type: i32}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 2)}},
			{Op: ir.Div, Ops: []ir.Operand{ir.VarOp(i32, 2), ir.VarOp(i32, 0), ir.VarOp(i32, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 2)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Ret},
		},
	}

	o := lowerOne(t, d, f)

	var rel *obj.Reloc
	for i := range o.Relocs {
		if o.Relocs[i].Sym == "rt.div32" {
			rel = &o.Relocs[i]
		}
	}

	require.NotNil(t, rel, "runtime division helper referenced")
	assert.Equal(t, obj.RelPLT, rel.Kind)
	assert.Equal(t, ".text", o.Sections[rel.Section].Name)
	assert.True(t, rel.Big, "site emitted in the target word order")
}

func TestCallRelocAndSymbol(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "caller",
		Vars: []ir.Var{{ID: 0, Type: i64}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{
				Op: ir.Call, ABI: "std", NRet: 1,
				Ops: []ir.Operand{
					ir.SymOp(tp.MakePtr(64), "g"),
					ir.VarOp(i64, 0),
					ir.ImmOp(i64, 1), ir.ImmOp(i64, 2),
				},
			},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Ret},
		},
	}

	o := lowerOne(t, d, f)

	var rel *obj.Reloc
	for i := range o.Relocs {
		if o.Relocs[i].Sym == "g" {
			rel = &o.Relocs[i]
		}
	}

	require.NotNil(t, rel)
	assert.Equal(t, obj.RelPC, rel.Kind)

	require.Len(t, o.Symbols, 1)
	s := o.Symbols[0]

	assert.Equal(t, "caller", s.Name)
	assert.Equal(t, obj.Global, s.Bind)
	assert.Equal(t, obj.SymFunc, s.Kind)
	assert.Equal(t, 0, s.Off)
	assert.Equal(t, len(o.Sections[s.Section].Data), s.Size)
}

func TestBranchOverflowRetriesLong(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "far",
		Vars: []ir.Var{{ID: 0, Type: i64}},
	}

	f.Code = append(f.Code,
		ir.Instr{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
		ir.Instr{Op: ir.B, Label: 0},
	)

	// enough padding that a 16-bit displacement cannot reach
	for i := 0; i < 4200; i++ {
		f.Code = append(f.Code, ir.Instr{Op: ir.Mov, Ops: []ir.Operand{ir.VarOp(i64, 0), ir.ImmOp(i64, 7)}})
	}

	f.Code = append(f.Code,
		ir.Instr{Op: ir.Lab, Label: 0},
		ir.Instr{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
		ir.Instr{Op: ir.Ret},
	)

	o := lowerOne(t, d, f)
	ww := words(d, text(t, o))

	require.Equal(t, d.Fixed.B, opcOf(d, ww[0]))
	assert.Equal(t, uint32(1), ww[0]>>d.Enc.BShift&1, "long form marker")
	assert.Equal(t, uint32(4200*8), ww[1], "displacement word")
}

func TestTargetSwitch(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "hop",
		Vars: []ir.Var{{ID: 0, Type: i32}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Mov, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.ImmOp(i32, 5)}},
			{Op: ir.Switch, ABI: "lr32", Ops: []ir.Operand{ir.SymOp(tp.MakePtr(64), "other")}},
			{Op: ir.Add, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.VarOp(i32, 0), ir.ImmOp(i32, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Ret},
		},
	}

	o := lowerOne(t, d, f)

	require.Len(t, o.Switches, 1)
	sw := o.Switches[0]

	assert.Equal(t, 1, sw.From)
	assert.Equal(t, 2, sw.To)
	assert.Equal(t, "other", sw.Entry)
	assert.Equal(t, "hop.sw0", sw.Ret)

	// the value crossing the switch byte swaps between endiannesses
	require.Len(t, sw.Maps, 1)
	assert.Equal(t, obj.ConvByteSwap, sw.Maps[0].Conv)
	assert.Equal(t, sw.Maps[0].Src, sw.Maps[0].Dst)

	var ret *obj.Symbol
	for i := range o.Symbols {
		if o.Symbols[i].Name == "hop.sw0" {
			ret = &o.Symbols[i]
		}
	}

	require.NotNil(t, ret, "continuation point recorded")
	assert.Equal(t, obj.Local, ret.Bind)
}

func TestRetShapeMismatch(t *testing.T) {
	d := target.LR64()
	ts := testSet(t)

	f := &ir.Func{
		Name: "extra",
		Out:  []tp.Type{i64},
		Code: []ir.Instr{
			{Op: ir.Ret, Ops: []ir.Operand{ir.ImmOp(i64, 1), ir.ImmOp(i64, 2)}},
		},
	}

	_, err := Func(context.Background(), ts, d, f)
	assert.ErrorIs(t, err, abi.ErrABI, "one value declared, two returned")

	f = &ir.Func{
		Name: "wrongclass",
		Out:  []tp.Type{i64},
		Code: []ir.Instr{
			{Op: ir.Ret, Ops: []ir.Operand{ir.ImmOp(tp.MakeFloat(64), 1)}},
		},
	}

	_, err = Func(context.Background(), ts, d, f)
	assert.ErrorIs(t, err, abi.ErrABI, "float returned from an int function")
}

func TestWideExtension(t *testing.T) {
	d := target.LR32()

	lowerExt := func(wide tp.Type) []uint32 {
		f := &ir.Func{
			Name: "w",
			Vars: []ir.Var{{ID: 0, Type: i32}, {ID: 1, Type: wide}},
			Code: []ir.Instr{
				{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
				{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(wide, 1)}},
				{Op: ir.Ext, Ops: []ir.Operand{ir.VarOp(wide, 1), ir.VarOp(i32, 0)}},
				{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(wide, 1)}},
				{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
				{Op: ir.Ret},
			},
		}

		return words(d, text(t, lowerOne(t, d, f)))
	}

	count := func(ww []uint32, opc uint8) (n int) {
		for _, w := range ww {
			if opcOf(d, w) == opc {
				n++
			}
		}

		return n
	}

	shr := d.Classify(ir.Shr, i32).Tmpl.Opc
	neg := d.Classify(ir.Neg, i32).Tmpl.Opc

	// signed: the high half is the sign bit stretched over a word
	ww := lowerExt(i64)
	assert.Equal(t, 1, count(ww, shr), "sign bit shifted down")
	assert.Equal(t, 1, count(ww, neg), "and stretched back up")

	// unsigned: the high half is simply zeroed
	ww = lowerExt(tp.MakeInt(64, false))
	assert.Equal(t, 0, count(ww, shr))
	assert.Equal(t, 0, count(ww, neg))
}

func TestSRetReturn(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "three",
		Out:  []tp.Type{i64, i64, i64},
		Vars: []ir.Var{{ID: 0, Type: i64}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Ret, Ops: []ir.Operand{ir.ImmOp(i64, 1), ir.ImmOp(i64, 2), ir.ImmOp(i64, 3)}},
		},
	}

	o := lowerOne(t, d, f)
	ww := words(d, text(t, o))

	// incoming hidden pointer lands in the frame right away
	require.Greater(t, len(ww), 2)
	assert.Equal(t, d.Fixed.SPAdj, opcOf(d, ww[0]))
	assert.Equal(t, d.Fixed.Store, opcOf(d, ww[2]))

	stores := 0
	for _, w := range words(d, text(t, o)) {
		if opcOf(d, w) == d.Fixed.Store {
			stores++
		}
	}

	assert.GreaterOrEqual(t, stores, 4, "hidden pointer plus three results")
}
