package ir

import (
	"fmt"

	"github.com/slowlang/lower/compiler/tp"
)

type (
	// Cat is an opcode category, Op is category«8 | operation.
	Cat uint8
	Op  uint16

	Cond string

	Label int

	VarID int

	RegClass uint8

	// VReg is an abstract register in a class namespace,
	// resolved to physical storage during allocation.
	VReg struct {
		Class RegClass
		ID    int
	}

	Kind uint8

	// Operand carries a type descriptor and exactly one primary
	// payload selected by Kind.
	Operand struct {
		Type tp.Type
		Kind Kind

		Imm int64
		Var VarID
		Sym string
		Reg VReg
	}

	Instr struct {
		Op  Op
		Ops []Operand

		Cond  Cond   // BCond
		ABI   string // Call
		Label Label  // Lab, B, BCond
		NRet  int    // Call: results following the callee operand
	}

	Storage uint8

	// Var is a scope-unique value with an explicit lifetime:
	// created by Decl, destroyed by Kill, LIFO within its scope.
	Var struct {
		ID      VarID
		Type    tp.Type
		Storage Storage
		Init    *int64
	}

	Func struct {
		Name   string
		Target string // empty means the unit default

		In  []tp.Type
		Out []tp.Type

		Vars []Var
		NReg [NClasses]int

		Code []Instr
	}

	Unit struct {
		Path string

		Funcs []*Func
	}
)

const (
	GP RegClass = iota
	FP
	VC
	SR

	NClasses = 4
)

const (
	KindNone Kind = iota
	KindImm
	KindVar
	KindSym
	KindReg
)

const (
	Auto Storage = iota
	Frame
)

func ImmOp(t tp.Type, v int64) Operand {
	return Operand{Type: t, Kind: KindImm, Imm: v}
}

func VarOp(t tp.Type, id VarID) Operand {
	return Operand{Type: t, Kind: KindVar, Var: id}
}

func SymOp(t tp.Type, name string) Operand {
	return Operand{Type: t, Kind: KindSym, Sym: name}
}

func RegOp(t tp.Type, r VReg) Operand {
	return Operand{Type: t, Kind: KindReg, Reg: r}
}

func (c RegClass) String() string {
	switch c {
	case GP:
		return "gp"
	case FP:
		return "fp"
	case VC:
		return "vec"
	case SR:
		return "sr"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func (r VReg) String() string {
	return fmt.Sprintf("%v%d", r.Class, r.ID)
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindImm:
		return "imm"
	case KindVar:
		return "var"
	case KindSym:
		return "sym"
	case KindReg:
		return "reg"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (o Operand) String() string {
	switch o.Kind {
	case KindImm:
		return fmt.Sprintf("%v #%d", o.Type, o.Imm)
	case KindVar:
		return fmt.Sprintf("%v var%d", o.Type, o.Var)
	case KindSym:
		return fmt.Sprintf("%v $%v", o.Type, o.Sym)
	case KindReg:
		return fmt.Sprintf("%v %v", o.Type, o.Reg)
	default:
		return fmt.Sprintf("%v ?", o.Type)
	}
}
