package compiler

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/lower/compiler/ir"
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

// arith is a little function with a loop, a call and some math, enough
// to touch most emission paths.
func arith(name, tgt string) *ir.Func {
	return &ir.Func{
		Name:   name,
		Target: tgt,
		Out:    []tp.Type{i32},
		Vars:   []ir.Var{{ID: 0, Type: i32}, {ID: 1, Type: i32}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Mov, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.ImmOp(i32, 100)}},
			{Op: ir.Lab, Label: 0},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
			{Op: ir.Div, Ops: []ir.Operand{ir.VarOp(i32, 1), ir.VarOp(i32, 0), ir.ImmOp(i32, 3)}},
			{Op: ir.Add, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.VarOp(i32, 0), ir.VarOp(i32, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
			{Op: ir.Cmp, Ops: []ir.Operand{ir.VarOp(i32, 0), ir.ImmOp(i32, 1000)}},
			{Op: ir.BCond, Cond: "<", Label: 0},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Ret, Ops: []ir.Operand{ir.ImmOp(i32, 0)}},
		},
	}
}

func wide(name, tgt string) *ir.Func {
	return &ir.Func{
		Name:   name,
		Target: tgt,
		Vars:   []ir.Var{{ID: 0, Type: i64}, {ID: 1, Type: i64}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 1)}},
			{Op: ir.Add, Ops: []ir.Operand{ir.VarOp(i64, 1), ir.VarOp(i64, 0), ir.ImmOp(i64, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Ret},
		},
	}
}

func testUnit() *ir.Unit {
	return &ir.Unit{
		Path: "unit.sl",
		Funcs: []*ir.Func{
			arith("a", ""),
			wide("b", "lr32"),
			arith("c", "lr32"),
			wide("d", ""),
			arith("e", ""),
		},
	}
}

func TestLowerUnitDeterministic(t *testing.T) {
	ts := testSet(t)
	ctx := context.Background()

	one, err := LowerUnit(ctx, ts, testUnit(), Options{Target: "lr64", Workers: 1})
	require.NoError(t, err)

	many, err := LowerUnit(ctx, ts, testUnit(), Options{Target: "lr64", Workers: 4})
	require.NoError(t, err)

	if diff := cmp.Diff(one, many); diff != "" {
		t.Errorf("worker count changed the output (-one +many):\n%s", diff)
	}

	assert.ElementsMatch(t, []int{1, 2}, one.Targets)
	assert.Equal(t, one.Append(nil), many.Append(nil))
}

func TestLowerUnitSymbols(t *testing.T) {
	ts := testSet(t)

	o, err := LowerUnit(context.Background(), ts, testUnit(), Options{Target: "lr64"})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range o.Symbols {
		names[s.Name] = true
	}

	for _, n := range []string{"a", "b", "c", "d", "e"} {
		assert.True(t, names[n], "symbol %v", n)
	}
}

func TestLowerUnitInvalid(t *testing.T) {
	ts := testSet(t)

	u := testUnit()
	u.Funcs[1].Code = u.Funcs[1].Code[:len(u.Funcs[1].Code)-2] // vars left alive

	_, err := LowerUnit(context.Background(), ts, u, Options{Target: "lr64"})
	assert.ErrorIs(t, err, ir.ErrScope)
}

func TestLowerUnitUnknownTarget(t *testing.T) {
	ts := testSet(t)

	u := testUnit()
	u.Funcs[2].Target = "lr16"

	_, err := LowerUnit(context.Background(), ts, u, Options{Target: "lr64"})
	assert.ErrorIs(t, err, target.ErrConfiguration)
}

func TestLowerUnitAborts(t *testing.T) {
	ts := testSet(t)

	u := testUnit()

	// unplaceable condition kills the whole unit
	u.Funcs[0].Code[8].Cond = "!<"

	_, err := LowerUnit(context.Background(), ts, u, Options{Target: "lr64"})
	assert.Error(t, err)
}
