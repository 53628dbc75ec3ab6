package ir

import (
	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/tp"
)

type tpClass = tp.Class

var (
	// ErrType is a front end contract violation: opcode shape or
	// operand types do not match the opcode table.
	ErrType = errors.New("operand type mismatch")

	// ErrScope is a variable lifetime violation: kills out of LIFO
	// order or scopes left open.
	ErrScope = errors.New("variable scope violation")
)

// Validate checks every function of the unit. The stream must be fully
// valid before lowering starts, nothing is fixed up silently.
func (u *Unit) Validate() (err error) {
	for _, f := range u.Funcs {
		err = f.Validate()
		if err != nil {
			return errors.Wrap(err, "func %v", f.Name)
		}
	}

	return nil
}

func (f *Func) Validate() (err error) {
	labels := map[Label]int{}

	for i, x := range f.Code {
		if x.Op != Lab {
			continue
		}

		if j, ok := labels[x.Label]; ok {
			return errors.Wrap(ErrType, "i %d: label %d redefined (first at %d)", i, x.Label, j)
		}

		labels[x.Label] = i
	}

	declared := make([]bool, len(f.Vars))

	var live []VarID // decl order, kills trim the tail only
	var scopes []int // live length at each scope entry

	for i, x := range f.Code {
		inf, ok := x.Op.Info()
		if !ok {
			return errors.Wrap(ErrType, "i %d: unknown opcode %#x", i, uint16(x.Op))
		}

		if inf.Nops >= 0 && len(x.Ops) != inf.Nops {
			return errors.Wrap(ErrType, "i %d: %v: got %d operands, want %d", i, x.Op, len(x.Ops), inf.Nops)
		}

		for j, o := range x.Ops {
			err = f.checkOperand(o)
			if err != nil {
				return errors.Wrap(err, "i %d: %v: operand %d", i, x.Op, j)
			}
		}

		if inf.Result {
			if k := x.Ops[0].Kind; k != KindReg && k != KindVar {
				return errors.Wrap(ErrType, "i %d: %v: result must be a register or a variable, got %v", i, x.Op, k)
			}
		}

		if inf.Classes != nil && !classIn(x.Ops[0].Type.Class, inf.Classes) {
			return errors.Wrap(ErrType, "i %d: %v: class %v not allowed", i, x.Op, x.Ops[0].Type.Class)
		}

		switch x.Op {
		case B, BCond:
			if _, ok := labels[x.Label]; !ok {
				return errors.Wrap(ErrType, "i %d: %v: undefined label %d", i, x.Op, x.Label)
			}

			if x.Op == BCond && x.Cond == "" {
				return errors.Wrap(ErrType, "i %d: bcond without condition", i)
			}
		case Call:
			if len(x.Ops) < 1+x.NRet {
				return errors.Wrap(ErrType, "i %d: call: %d operands do not fit %d results", i, len(x.Ops), x.NRet)
			}
			if x.Ops[0].Kind != KindSym {
				return errors.Wrap(ErrType, "i %d: call: callee must be a symbol", i)
			}
			if x.ABI == "" {
				return errors.Wrap(ErrType, "i %d: call without abi", i)
			}
		case Decl:
			id := x.Ops[0].Var

			if x.Ops[0].Kind != KindVar {
				return errors.Wrap(ErrType, "i %d: decl of a non-variable", i)
			}
			if declared[id] {
				return errors.Wrap(ErrScope, "i %d: var%d redeclared", i, id)
			}

			declared[id] = true
			live = append(live, id)
		case Kill:
			id := x.Ops[0].Var

			if x.Ops[0].Kind != KindVar {
				return errors.Wrap(ErrType, "i %d: kill of a non-variable", i)
			}
			if !declared[id] {
				return errors.Wrap(ErrScope, "i %d: var%d killed before decl", i, id)
			}
			if len(live) == 0 || live[len(live)-1] != id {
				return errors.Wrap(ErrScope, "i %d: var%d killed out of order", i, id)
			}
			if l := len(scopes); l != 0 && len(live) == scopes[l-1] {
				return errors.Wrap(ErrScope, "i %d: var%d killed from an inner scope", i, id)
			}

			live = live[:len(live)-1]
		case Scope:
			scopes = append(scopes, len(live))
		case Unscope:
			if len(scopes) == 0 {
				return errors.Wrap(ErrScope, "i %d: unscope without scope", i)
			}
			if n := scopes[len(scopes)-1]; len(live) != n {
				return errors.Wrap(ErrScope, "i %d: scope closed with %d live vars", i, len(live)-n)
			}

			scopes = scopes[:len(scopes)-1]
		}
	}

	if len(scopes) != 0 {
		return errors.Wrap(ErrScope, "%d scopes left open", len(scopes))
	}
	if len(live) != 0 {
		return errors.Wrap(ErrScope, "%d vars never killed", len(live))
	}

	return nil
}

func (f *Func) checkOperand(o Operand) error {
	switch o.Kind {
	case KindImm:
	case KindVar:
		if int(o.Var) < 0 || int(o.Var) >= len(f.Vars) {
			return errors.Wrap(ErrType, "var%d out of range", o.Var)
		}
	case KindSym:
		if o.Sym == "" {
			return errors.Wrap(ErrType, "empty symbol")
		}
	case KindReg:
		if o.Reg.Class >= NClasses {
			return errors.Wrap(ErrType, "bad register class %d", o.Reg.Class)
		}
		if o.Reg.ID < 0 || o.Reg.ID >= f.NReg[o.Reg.Class] {
			return errors.Wrap(ErrType, "%v out of range", o.Reg)
		}
	default:
		return errors.Wrap(ErrType, "no primary qualifier")
	}

	return nil
}

func classIn(c tpClass, s []tpClass) bool {
	for _, x := range s {
		if c == x {
			return true
		}
	}

	return false
}
