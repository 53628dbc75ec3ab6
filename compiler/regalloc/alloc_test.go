package regalloc

import (
	"context"
	"testing"

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

func TestIntervals(t *testing.T) {
	f := &ir.Func{
		Name: "f",
		Vars: []ir.Var{{ID: 0, Type: i64}, {ID: 1, Type: i64}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i64, 1)}},
			{Op: ir.Add, Ops: []ir.Operand{ir.VarOp(i64, 1), ir.VarOp(i64, 0), ir.ImmOp(i64, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 1)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i64, 0)}},
		},
	}

	ivs := Intervals(f)
	require.Len(t, ivs, 2)

	byVal := map[Val]Interval{}
	for _, iv := range ivs {
		byVal[iv.Val] = iv
	}

	v0 := byVal[VarVal(0)]
	assert.Equal(t, 0, v0.Start)
	assert.Equal(t, 5, v0.End)
	assert.False(t, v0.Fixed)

	v1 := byVal[VarVal(1)]
	assert.Equal(t, 1, v1.Start)
	assert.Equal(t, 4, v1.End)
}

func TestIntervalsFixedAtSwitch(t *testing.T) {
	f := &ir.Func{
		Name: "f",
		Vars: []ir.Var{{ID: 0, Type: i32}, {ID: 1, Type: i32}},
		Code: []ir.Instr{
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 0)}},
			{Op: ir.Decl, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
			{Op: ir.Switch, Ops: []ir.Operand{ir.SymOp(tp.MakePtr(64), "x")}, ABI: "lr32"},
			{Op: ir.Kill, Ops: []ir.Operand{ir.VarOp(i32, 1)}},
		},
	}

	ivs := Intervals(f)

	for _, iv := range ivs {
		switch iv.Val {
		case VarVal(0):
			assert.False(t, iv.Fixed, "dead before the switch")
		case VarVal(1):
			assert.True(t, iv.Fixed, "live across the switch")
		}
	}
}

func span(id ir.VarID, t tp.Type, from, to int) Interval {
	return Interval{Val: VarVal(id), Type: t, Start: from, End: to}
}

func labels(n int) []ir.Instr {
	code := make([]ir.Instr, n)
	for i := range code {
		code[i] = ir.Instr{Op: ir.Lab, Label: ir.Label(i)}
	}

	return code
}

func TestAllocDistinctRegisters(t *testing.T) {
	d := target.LR64()
	f := &ir.Func{Name: "f", Code: labels(10)}

	var ivs []Interval
	for id := 0; id < 5; id++ {
		ivs = append(ivs, span(ir.VarID(id), i64, 0, 10))
	}

	a, err := Alloc(context.Background(), d, f, ivs)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		seen := map[int]Val{}

		for _, iv := range ivs {
			l := a.At(iv.Val, i)
			require.Equal(t, LocReg, l.Kind)

			if prev, ok := seen[l.Reg]; ok {
				t.Errorf("i %d: r%d assigned to both %v and %v", i, l.Reg, prev, iv.Val)
			}

			seen[l.Reg] = iv.Val
		}
	}
}

func TestAllocPressureSpills(t *testing.T) {
	d := target.LR64()
	f := &ir.Func{Name: "f", Code: labels(20)}

	// more simultaneously live values than allocatable registers
	n := d.Regs[ir.GP].Count - d.Regs[ir.GP].Reserved.Size() + 3

	var ivs []Interval
	for id := 0; id < n; id++ {
		ivs = append(ivs, span(ir.VarID(id), i64, 0, 20))
	}

	a, err := Alloc(context.Background(), d, f, ivs)
	require.NoError(t, err)

	slots := 0

	for i := 0; i < 20; i++ {
		seen := map[int]bool{}

		for _, iv := range ivs {
			l := a.At(iv.Val, i)
			require.NotEqual(t, LocNone, l.Kind, "%v has no home at %d", iv.Val, i)

			if l.Kind != LocReg {
				continue
			}
			if seen[l.Reg] {
				t.Errorf("i %d: r%d double booked", i, l.Reg)
			}

			seen[l.Reg] = true
		}
	}

	for _, iv := range ivs {
		if a.At(iv.Val, 0).Kind == LocSlot {
			slots++
		}
	}

	assert.Equal(t, 3, slots)
	assert.Greater(t, a.Frame, 0)
}

func TestAllocEvictsFurthestEnd(t *testing.T) {
	d := target.LR64()
	f := &ir.Func{Name: "f", Code: labels(100)}

	free := d.Regs[ir.GP].Count - d.Regs[ir.GP].Reserved.Size()

	var ivs []Interval
	for id := 0; id < free; id++ {
		ivs = append(ivs, span(ir.VarID(id), i64, 0, 100))
	}

	short := VarVal(ir.VarID(free))
	ivs = append(ivs, span(ir.VarID(free), i64, 5, 8))

	a, err := Alloc(context.Background(), d, f, ivs)
	require.NoError(t, err)

	// the short interval wins a register, one long resident moves out
	assert.Equal(t, LocReg, a.At(short, 5).Kind)

	evicted := 0

	for id := 0; id < free; id++ {
		v := VarVal(ir.VarID(id))

		if a.At(v, 6).Kind == LocSlot {
			evicted++
			assert.Equal(t, LocReg, a.At(v, 4).Kind, "evicted value was in a register before")
		}
	}

	assert.Equal(t, 1, evicted)
	assert.NotEmpty(t, a.Before[5], "eviction stores the old resident")
}

func TestAllocCallerSavedClobber(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "f",
		Code: []ir.Instr{
			{Op: ir.Lab, Label: 0},
			{Op: ir.Call, Ops: []ir.Operand{ir.SymOp(tp.MakePtr(64), "g")}, ABI: "std"},
			{Op: ir.Lab, Label: 1},
			{Op: ir.Lab, Label: 2},
		},
	}

	ivs := []Interval{span(0, i64, 0, 4)}

	a, err := Alloc(context.Background(), d, f, ivs)
	require.NoError(t, err)

	v := VarVal(0)

	assert.Equal(t, LocReg, a.At(v, 0).Kind)
	assert.Equal(t, LocSlot, a.At(v, 1).Kind, "spilled around the call")
	assert.Equal(t, LocReg, a.At(v, 2).Kind, "reloaded after")

	require.Len(t, a.Before[1], 1)
	require.Len(t, a.After[1], 1)

	assert.Equal(t, a.Before[1][0].From, a.After[1][0].To)
}

func TestAllocCalleeSavedSurvives(t *testing.T) {
	d := target.LR64()

	f := &ir.Func{
		Name: "f",
		Code: []ir.Instr{
			{Op: ir.Lab, Label: 0},
			{Op: ir.Call, Ops: []ir.Operand{ir.SymOp(tp.MakePtr(64), "g")}, ABI: "std"},
			{Op: ir.Lab, Label: 1},
		},
	}

	// fill the caller-saved registers so one value lands callee-saved
	var ivs []Interval
	for id := 0; id < 9; id++ {
		ivs = append(ivs, span(ir.VarID(id), i64, 0, 3))
	}

	a, err := Alloc(context.Background(), d, f, ivs)
	require.NoError(t, err)

	saved := 0

	for id := 0; id < 9; id++ {
		v := VarVal(ir.VarID(id))
		l := a.At(v, 1)

		if l.Kind == LocReg {
			saved++
			assert.True(t, d.ABIs["std"].CalleeSaved[ir.GP].IsSet(l.Reg),
				"%v kept caller-saved r%d across a call", v, l.Reg)
		}
	}

	assert.Greater(t, saved, 0, "callee-saved registers stay resident")
}

func TestAllocFixedAndWideInFrame(t *testing.T) {
	d32 := target.LR32()
	f := &ir.Func{Name: "f", Code: labels(4)}

	ivs := []Interval{
		span(0, i64, 0, 4), // wider than the machine word
		{Val: VarVal(1), Type: i32, Start: 0, End: 4, Fixed: true},
		span(2, tp.MakeVec(256, 64), 0, 4), // no vector unit
	}

	a, err := Alloc(context.Background(), d32, f, ivs)
	require.NoError(t, err)

	for _, iv := range ivs {
		assert.Equal(t, LocSlot, a.At(iv.Val, 1).Kind, "%v", iv.Val)
	}

	assert.Equal(t, 0, a.Frame%d32.StackAlign)
}
