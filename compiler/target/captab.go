package target

import (
	"fmt"

	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/tp"
)

type (
	StrategyKind uint8

	ExpandKind uint8

	// Tmpl is one native instruction pattern: the target opcode
	// number, whether a trailing immediate word follows, and how
	// many memory operands the encoding tolerates.
	Tmpl struct {
		Opc   uint8
		Imm   bool
		MemOp int
	}

	// Strategy is the single way an (opcode, type) pair is realized
	// on a target. Exactly one of the payloads is meaningful,
	// selected by Kind.
	Strategy struct {
		Kind StrategyKind

		Tmpl   Tmpl       // Native
		Seq    []Tmpl     // Sequence
		Expand ExpandKind // Inline
		Call   string     // LibraryCall
	}

	CapKey struct {
		Op    ir.Op
		Class tp.Class
		Bits  int16
	}

	CapTable map[CapKey]Strategy
)

// Kinds are ordered by precedence: a lower kind is closer to the
// hardware and wins when several strategies are offered.
const (
	Native StrategyKind = iota + 1
	Sequence
	Inline
	LibraryCall
)

const (
	ExpandNone     ExpandKind = iota
	ExpandVecLoop             // per-lane scalar loop
	ExpandWidePair            // two half-width ops with carry
)

// Def records a strategy, keeping an already present one of higher
// precedence. Semantics are never dropped: the table builder offers
// strategies, precedence picks.
func (t CapTable) Def(k CapKey, s Strategy) {
	if old, ok := t[k]; ok && old.Kind <= s.Kind {
		return
	}

	t[k] = s
}

// Classify resolves the implementation strategy for an operation.
// Totality over the reachable grid is checked at load time, so a
// miss here is a bug, not an input error.
func (d *Descriptor) Classify(op ir.Op, t tp.Type) Strategy {
	s, ok := d.Caps[capKey(op, t)]
	if !ok {
		panic(fmt.Sprintf("%v: no strategy for %v %v", d.Name, op, t))
	}

	return s
}

func capKey(op ir.Op, t tp.Type) CapKey {
	return CapKey{Op: op, Class: t.Class, Bits: t.Bits}
}

// validate walks the full reachable (opcode, class, width) grid and
// requires exactly one well-formed strategy per point.
func (t CapTable) validate(d *Descriptor) (err error) {
	for _, op := range ir.Ops() {
		switch op.Cat() {
		case ir.CatMath, ir.CatBit, ir.CatMem, ir.CatConv:
		default:
			continue
		}

		inf, _ := op.Info()

		for _, cl := range reachableClasses(inf) {
			for _, bits := range d.widths(cl) {
				k := CapKey{Op: op, Class: cl, Bits: bits}

				s, ok := t[k]
				if !ok {
					return errors.Wrap(ErrConfiguration, "%v %v%d: no strategy", op, cl, bits)
				}

				err = s.check()
				if err != nil {
					return errors.Wrap(err, "%v %v%d", op, cl, bits)
				}
			}
		}
	}

	return nil
}

func (s Strategy) check() error {
	switch s.Kind {
	case Native:
		if s.Tmpl == (Tmpl{}) {
			return errors.Wrap(ErrConfiguration, "native without template")
		}
	case Sequence:
		if len(s.Seq) == 0 {
			return errors.Wrap(ErrConfiguration, "empty sequence")
		}
	case Inline:
		if s.Expand == ExpandNone {
			return errors.Wrap(ErrConfiguration, "inline without expansion")
		}
	case LibraryCall:
		if s.Call == "" {
			return errors.Wrap(ErrConfiguration, "library call without symbol")
		}
	default:
		return errors.Wrap(ErrConfiguration, "bad strategy kind %d", s.Kind)
	}

	return nil
}

func reachableClasses(inf ir.Info) []tp.Class {
	if inf.Classes != nil {
		return inf.Classes
	}

	return allClasses
}

var allClasses = []tp.Class{tp.Int, tp.Float, tp.Vec, tp.Ptr}

func (d *Descriptor) widths(cl tp.Class) []int16 {
	switch cl {
	case tp.Int:
		return intWidths
	case tp.Float:
		return floatWidths
	case tp.Vec:
		return vecWidths
	case tp.Ptr:
		return []int16{d.PtrBits}
	default:
		return nil
	}
}

var (
	intWidths   = []int16{8, 16, 32, 64}
	floatWidths = []int16{32, 64}
	vecWidths   = []int16{128, 256}
)

func (k StrategyKind) String() string {
	switch k {
	case Native:
		return "native"
	case Sequence:
		return "sequence"
	case Inline:
		return "inline"
	case LibraryCall:
		return "libcall"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
