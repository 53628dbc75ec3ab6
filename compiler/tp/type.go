package tp

import "fmt"

type (
	Class uint8

	Flags uint8

	// Type describes an operand value shape. For Vec Bits is the full
	// vector width and Elem the lane width.
	Type struct {
		Class Class
		Bits  int16
		Elem  int16
		Flags Flags
	}
)

const (
	Untyped Class = iota
	Int
	Float
	Vec
	Ptr
)

const (
	Signed Flags = 1 << iota
	Volatile
)

func MakeInt(bits int16, signed bool) Type {
	t := Type{Class: Int, Bits: bits}

	if signed {
		t.Flags |= Signed
	}

	return t
}

func MakeFloat(bits int16) Type {
	return Type{Class: Float, Bits: bits}
}

func MakeVec(bits, elem int16) Type {
	return Type{Class: Vec, Bits: bits, Elem: elem}
}

func MakePtr(bits int16) Type {
	return Type{Class: Ptr, Bits: bits}
}

func (t Type) Size() int {
	return int(t.Bits) / 8
}

func (t Type) Lanes() int {
	if t.Class != Vec || t.Elem == 0 {
		return 1
	}

	return int(t.Bits / t.Elem)
}

// Lane is the scalar type of one vector lane.
func (t Type) Lane() Type {
	return Type{Class: Int, Bits: t.Elem, Flags: t.Flags}
}

func (t Type) Signed() bool {
	return t.Flags&Signed != 0
}

func (t Type) Volatile() bool {
	return t.Flags&Volatile != 0
}

func (c Class) String() string {
	switch c {
	case Untyped:
		return "untyped"
	case Int:
		return "int"
	case Float:
		return "float"
	case Vec:
		return "vec"
	case Ptr:
		return "ptr"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func (t Type) String() string {
	switch t.Class {
	case Vec:
		return fmt.Sprintf("v%d(%d)", t.Bits, t.Elem)
	case Ptr:
		return fmt.Sprintf("p%d", t.Bits)
	default:
		u := ""
		if t.Class == Int && !t.Signed() {
			u = "u"
		}

		return fmt.Sprintf("%v%v%d", t.Class, u, t.Bits)
	}
}
