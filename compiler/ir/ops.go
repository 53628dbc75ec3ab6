package ir

import (
	"fmt"

	"github.com/slowlang/lower/compiler/tp"
)

const (
	CatMath Cat = iota + 1
	CatBit
	CatMem
	CatFlow
	CatVar
	CatConv
)

const (
	Add Op = Op(CatMath)<<8 | iota
	Sub
	Mul
	Div
	Mod
	Neg
	Cmp
)

const (
	And Op = Op(CatBit)<<8 | iota
	Or
	Xor
	Shl
	Shr
	Not
)

const (
	Load Op = Op(CatMem)<<8 | iota
	Store
	Mov
	Lea
)

const (
	Lab Op = Op(CatFlow)<<8 | iota
	B
	BCond
	Call
	Ret
	Switch
)

const (
	Decl Op = Op(CatVar)<<8 | iota
	Kill
	Scope
	Unscope
)

const (
	Ext Op = Op(CatConv)<<8 | iota
	Trunc
)

type (
	// Info declares an opcode's shape. Nops < 0 means variadic,
	// Result means Ops[0] is the destination.
	Info struct {
		Name    string
		Nops    int
		Result  bool
		Classes []tp.Class // allowed primary operand classes, nil means any
	}
)

var infos = map[Op]Info{
	Add: {Name: "math.add", Nops: 3, Result: true, Classes: nums},
	Sub: {Name: "math.sub", Nops: 3, Result: true, Classes: nums},
	Mul: {Name: "math.mul", Nops: 3, Result: true, Classes: nums},
	Div: {Name: "math.div", Nops: 3, Result: true, Classes: nums},
	Mod: {Name: "math.mod", Nops: 3, Result: true, Classes: ints},
	Neg: {Name: "math.neg", Nops: 2, Result: true, Classes: nums},
	Cmp: {Name: "math.cmp", Nops: 2, Result: false, Classes: cmps},

	And: {Name: "bit.and", Nops: 3, Result: true, Classes: ints},
	Or:  {Name: "bit.or", Nops: 3, Result: true, Classes: ints},
	Xor: {Name: "bit.xor", Nops: 3, Result: true, Classes: ints},
	Shl: {Name: "bit.shl", Nops: 3, Result: true, Classes: ints},
	Shr: {Name: "bit.shr", Nops: 3, Result: true, Classes: ints},
	Not: {Name: "bit.not", Nops: 2, Result: true, Classes: ints},

	Load:  {Name: "mem.load", Nops: 2, Result: true},
	Store: {Name: "mem.store", Nops: 2},
	Mov:   {Name: "mem.mov", Nops: 2, Result: true},
	Lea:   {Name: "mem.lea", Nops: 2, Result: true},

	Lab:    {Name: "flow.label", Nops: 0},
	B:      {Name: "flow.b", Nops: 0},
	BCond:  {Name: "flow.bcond", Nops: 0},
	Call:   {Name: "flow.call", Nops: -1},
	Ret:    {Name: "flow.ret", Nops: -1},
	Switch: {Name: "flow.switch", Nops: 1},

	Decl:    {Name: "var.decl", Nops: 1},
	Kill:    {Name: "var.kill", Nops: 1},
	Scope:   {Name: "var.scope", Nops: 0},
	Unscope: {Name: "var.unscope", Nops: 0},

	Ext:   {Name: "conv.ext", Nops: 2, Result: true, Classes: convs},
	Trunc: {Name: "conv.trunc", Nops: 2, Result: true, Classes: convs},
}

var (
	nums  = []tp.Class{tp.Int, tp.Float, tp.Vec}
	ints  = []tp.Class{tp.Int, tp.Vec}
	cmps  = []tp.Class{tp.Int, tp.Float, tp.Ptr}
	convs = []tp.Class{tp.Int}
)

var all []Op

func init() {
	for op := range infos {
		all = append(all, op)
	}

	sortOps(all)
}

func sortOps(s []Op) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Ops lists every defined opcode in a fixed order.
func Ops() []Op {
	return all
}

func (o Op) Cat() Cat {
	return Cat(o >> 8)
}

func (o Op) Info() (Info, bool) {
	inf, ok := infos[o]

	return inf, ok
}

func (o Op) String() string {
	if inf, ok := infos[o]; ok {
		return inf.Name
	}

	return fmt.Sprintf("op(%#x)", uint16(o))
}
