package target

import (
	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/set"
)

type (
	ID int

	// RegFile is one register class of a target. Reserved registers
	// are never allocated; Scratch are reserved registers lent to
	// expansion sequences.
	RegFile struct {
		Count    int
		Reserved set.Bits[int]
		Scratch  []int
	}

	// Encoding is the field layout of a native instruction word.
	Encoding struct {
		OpShift  uint
		DstShift uint
		AShift   uint
		BShift   uint
	}

	// FixedOps are native opcode numbers the lowering pass emits on
	// its own behalf: spills, immediates, branches, call plumbing.
	FixedOps struct {
		MovImm uint8
		Mov    uint8
		Load   uint8
		Store  uint8
		Cmp    uint8

		B      uint8
		BCond  uint8
		Call   uint8
		Ret    uint8
		SPAdj  uint8
		Switch uint8
	}

	// Descriptor is an immutable target description. It is loaded
	// once and passed explicitly through every lowering call.
	Descriptor struct {
		Name string
		ID   ID

		PtrBits    int16
		BigEndian  bool
		StackAlign int
		Atomics    bool

		Regs [ir.NClasses]RegFile

		// Cond maps symbolic conditions to native condition bits.
		// A missing entry means synthesize via an inverted pair.
		Cond map[ir.Cond]uint8

		ABIs map[string]*ABI

		Caps CapTable

		// ClassMap names a destination class per local class at
		// target-switch points. Identity unless configured.
		ClassMap map[ir.RegClass]ir.RegClass

		Enc   Encoding
		Fixed FixedOps
	}

	// ABI is a named calling convention. Register lists are ordered,
	// indices refer to the class register file.
	ABI struct {
		Name string

		Args [ir.NClasses][]int
		Rets [ir.NClasses][]int

		CalleeSaved [ir.NClasses]set.Bits[int]

		StackAlign int
		StackRTL   bool
	}

	// Set is the full loaded configuration: every descriptor
	// validated, totality checked, immutable afterwards.
	Set struct {
		byName map[string]*Descriptor
		byID   map[ID]*Descriptor
		list   []*Descriptor
	}
)

// ErrConfiguration is a capability table gap or a malformed
// descriptor. Always fatal, always at load time.
var ErrConfiguration = errors.New("target configuration")

func NewSet(ds ...*Descriptor) (_ *Set, err error) {
	s := &Set{
		byName: make(map[string]*Descriptor, len(ds)),
		byID:   make(map[ID]*Descriptor, len(ds)),
	}

	for _, d := range ds {
		err = d.Validate()
		if err != nil {
			return nil, errors.Wrap(err, "target %v", d.Name)
		}

		if _, ok := s.byName[d.Name]; ok {
			return nil, errors.Wrap(ErrConfiguration, "duplicate target %v", d.Name)
		}
		if _, ok := s.byID[d.ID]; ok {
			return nil, errors.Wrap(ErrConfiguration, "duplicate target id %d", d.ID)
		}

		s.byName[d.Name] = d
		s.byID[d.ID] = d
		s.list = append(s.list, d)
	}

	return s, nil
}

func (s *Set) Get(name string) (*Descriptor, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrConfiguration, "unknown target %v", name)
	}

	return d, nil
}

func (s *Set) ByID(id ID) (*Descriptor, error) {
	d, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrap(ErrConfiguration, "unknown target id %d", id)
	}

	return d, nil
}

func (s *Set) List() []*Descriptor {
	return s.list
}

func (d *Descriptor) Validate() (err error) {
	if d.Name == "" {
		return errors.Wrap(ErrConfiguration, "unnamed target")
	}
	if d.StackAlign == 0 || d.StackAlign&(d.StackAlign-1) != 0 {
		return errors.Wrap(ErrConfiguration, "stack alignment %d", d.StackAlign)
	}
	if d.Regs[ir.GP].Count == 0 {
		return errors.Wrap(ErrConfiguration, "no general registers")
	}
	if d.Fixed.Mov == 0 || d.Fixed.Load == 0 || d.Fixed.Store == 0 || d.Fixed.B == 0 {
		return errors.Wrap(ErrConfiguration, "fixed ops not set")
	}

	// branch words reuse the a and b fields as a 16-bit displacement,
	// so those two fields must fill the low instruction half
	if d.Enc.AShift != 8 || d.Enc.BShift != 0 {
		return errors.Wrap(ErrConfiguration, "a/b fields at shifts %d/%d, branches need the low half", d.Enc.AShift, d.Enc.BShift)
	}

	for cl := ir.RegClass(0); cl < ir.NClasses; cl++ {
		rf := d.Regs[cl]

		for _, r := range rf.Scratch {
			if !rf.Reserved.IsSet(r) {
				return errors.Wrap(ErrConfiguration, "%v scratch %d not reserved", cl, r)
			}
		}

		if rf.Count != 0 && rf.Count-rf.Reserved.Size() <= 0 {
			return errors.Wrap(ErrConfiguration, "%v class fully reserved", cl)
		}
	}

	for name, a := range d.ABIs {
		err = d.validateABI(a)
		if err != nil {
			return errors.Wrap(err, "abi %v", name)
		}
	}

	err = d.Caps.validate(d)
	if err != nil {
		return errors.Wrap(err, "caps")
	}

	return nil
}

func (d *Descriptor) validateABI(a *ABI) error {
	if a.StackAlign == 0 || a.StackAlign&(a.StackAlign-1) != 0 {
		return errors.Wrap(ErrConfiguration, "stack alignment %d", a.StackAlign)
	}

	for cl := ir.RegClass(0); cl < ir.NClasses; cl++ {
		for _, r := range a.Args[cl] {
			if r < 0 || r >= d.Regs[cl].Count {
				return errors.Wrap(ErrConfiguration, "%v arg reg %d out of file", cl, r)
			}
		}
		for _, r := range a.Rets[cl] {
			if r < 0 || r >= d.Regs[cl].Count {
				return errors.Wrap(ErrConfiguration, "%v ret reg %d out of file", cl, r)
			}
		}
	}

	return nil
}

// Class resolves this target's register class on the destination
// target of a switch.
func (d *Descriptor) Class(cl ir.RegClass) ir.RegClass {
	if d.ClassMap == nil {
		return cl
	}

	if to, ok := d.ClassMap[cl]; ok {
		return to
	}

	return cl
}
