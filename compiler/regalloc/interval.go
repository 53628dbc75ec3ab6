package regalloc

import (
	"fmt"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/tp"
)

type (
	// Val identifies an allocatable value: a declared variable or a
	// virtual register.
	Val struct {
		IsVar bool
		Var   ir.VarID
		Reg   ir.VReg
	}

	// Interval is one value's lifetime in instruction-index space,
	// [Start, End). Computed once per function, read-only afterwards.
	Interval struct {
		Val  Val
		Type tp.Type

		Start int
		End   int

		// Fixed values never get a register: their lifetime crosses
		// a target switch and they travel via data mappings.
		Fixed bool
	}
)

func VarVal(id ir.VarID) Val {
	return Val{IsVar: true, Var: id}
}

func RegVal(r ir.VReg) Val {
	return Val{Reg: r}
}

func (v Val) String() string {
	if v.IsVar {
		return fmt.Sprintf("var%d", v.Var)
	}

	return v.Reg.String()
}

// Intervals scans the stream once and builds the lifetime arena.
// Variables live from Decl to Kill, virtual registers from first
// definition to last use.
func Intervals(f *ir.Func) []Interval {
	idx := map[Val]int{}

	var ivs []Interval

	open := func(v Val, t tp.Type, i int) {
		if _, ok := idx[v]; ok {
			return
		}

		idx[v] = len(ivs)
		ivs = append(ivs, Interval{Val: v, Type: t, Start: i, End: i + 1})
	}

	touch := func(v Val, t tp.Type, i int) {
		j, ok := idx[v]
		if !ok {
			open(v, t, i)
			return
		}

		if i+1 > ivs[j].End {
			ivs[j].End = i + 1
		}
	}

	var switches []int

	for i, x := range f.Code {
		switch x.Op {
		case ir.Decl:
			open(VarVal(x.Ops[0].Var), x.Ops[0].Type, i)
			continue
		case ir.Kill:
			touch(VarVal(x.Ops[0].Var), x.Ops[0].Type, i)
			continue
		case ir.Switch:
			switches = append(switches, i)
			continue
		}

		for _, o := range x.Ops {
			switch o.Kind {
			case ir.KindVar:
				touch(VarVal(o.Var), o.Type, i)
			case ir.KindReg:
				touch(RegVal(o.Reg), o.Type, i)
			}
		}
	}

	for j := range ivs {
		for _, s := range switches {
			if ivs[j].Start <= s && s < ivs[j].End {
				ivs[j].Fixed = true
				break
			}
		}
	}

	return ivs
}
