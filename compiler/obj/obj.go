package obj

import (
	"fmt"
)

type (
	SectFlags uint8

	Binding uint8

	SymKind uint8

	RelocKind uint8

	ConvKind uint8

	// Section owns its bytes and only ever grows during emission.
	Section struct {
		Name  string
		Flags SectFlags
		Data  []byte
	}

	Symbol struct {
		Name string
		Bind Binding
		Kind SymKind

		Section int
		Off     int
		Size    int
	}

	// Reloc is a deferred address patch, resolved by Link or by an
	// external linker.
	Reloc struct {
		Section int
		Off     int
		Sym     string
		Kind    RelocKind
		Addend  int64

		// Big marks the patch site as big-endian. Byte order is a
		// property of the emitting target, not of the section, which
		// may hold words of several targets after a merge.
		Big bool
	}

	// DataMapping moves one value across a target switch: frame slot
	// to frame slot with an optional representation conversion.
	DataMapping struct {
		Src  int
		Dst  int
		Conv ConvKind
	}

	TargetSwitch struct {
		From, To int

		Entry string
		Ret   string

		Maps []DataMapping
	}

	Object struct {
		Targets []int

		Sections []Section
		Symbols  []Symbol
		Relocs   []Reloc
		Switches []TargetSwitch
	}

	// Builder accumulates one producer's output. It never hands out
	// a Symbol or Reloc pointing outside an existing section range.
	Builder struct {
		o Object

		sect map[string]int
	}
)

const (
	SectRead SectFlags = 1 << iota
	SectWrite
	SectExec
	SectAlloc
)

const (
	Global Binding = iota
	Local
	Weak
)

const (
	SymFunc SymKind = iota
	SymData
)

const (
	RelAbs RelocKind = iota
	RelPC
	RelGOT
	RelPLT
)

const (
	ConvDirect ConvKind = iota
	ConvPtrWiden
	ConvPtrNarrow
	ConvByteSwap
)

func NewBuilder(targets ...int) *Builder {
	return &Builder{
		o:    Object{Targets: targets},
		sect: map[string]int{},
	}
}

// Section finds or creates a section and returns its index.
func (b *Builder) Section(name string, flags SectFlags) int {
	if i, ok := b.sect[name]; ok {
		return i
	}

	i := len(b.o.Sections)
	b.o.Sections = append(b.o.Sections, Section{Name: name, Flags: flags})
	b.sect[name] = i

	return i
}

func (b *Builder) Emit(sect int, data ...byte) (off int) {
	s := &b.o.Sections[sect]

	off = len(s.Data)
	s.Data = append(s.Data, data...)

	return off
}

func (b *Builder) Len(sect int) int {
	return len(b.o.Sections[sect].Data)
}

func (b *Builder) Patch(sect, off int, data ...byte) {
	s := &b.o.Sections[sect]

	if off < 0 || off+len(data) > len(s.Data) {
		panic(fmt.Sprintf("patch outside %v: %d+%d of %d", s.Name, off, len(data), len(s.Data)))
	}

	copy(s.Data[off:], data)
}

func (b *Builder) Symbol(s Symbol) {
	b.check(s.Section, s.Off)

	b.o.Symbols = append(b.o.Symbols, s)
}

func (b *Builder) Reloc(r Reloc) {
	b.check(r.Section, r.Off)

	b.o.Relocs = append(b.o.Relocs, r)
}

func (b *Builder) Switch(ts TargetSwitch) {
	b.o.Switches = append(b.o.Switches, ts)
}

func (b *Builder) Object() *Object {
	return &b.o
}

func (b *Builder) check(sect, off int) {
	if sect < 0 || sect >= len(b.o.Sections) {
		panic(fmt.Sprintf("no section %d", sect))
	}
	if off < 0 || off > len(b.o.Sections[sect].Data) {
		panic(fmt.Sprintf("offset %d outside %v", off, b.o.Sections[sect].Name))
	}
}

// Merge concatenates parts in the given order. The order is the only
// thing that decides the byte layout, so the result does not depend
// on how the parts were produced.
func Merge(parts ...*Object) *Object {
	res := &Object{}

	sect := map[string]int{}

	for _, p := range parts {
		for _, t := range p.Targets {
			if !intIn(t, res.Targets) {
				res.Targets = append(res.Targets, t)
			}
		}

		base := make([]int, len(p.Sections))

		for i, s := range p.Sections {
			j, ok := sect[s.Name]
			if !ok {
				j = len(res.Sections)
				res.Sections = append(res.Sections, Section{Name: s.Name, Flags: s.Flags})
				sect[s.Name] = j
			}

			d := &res.Sections[j]

			for len(d.Data)%4 != 0 {
				d.Data = append(d.Data, 0)
			}

			base[i] = len(d.Data)
			d.Data = append(d.Data, s.Data...)
		}

		for _, s := range p.Symbols {
			s.Off += base[s.Section]
			s.Section = sect[p.Sections[s.Section].Name]

			res.Symbols = append(res.Symbols, s)
		}

		for _, r := range p.Relocs {
			r.Off += base[r.Section]
			r.Section = sect[p.Sections[r.Section].Name]

			res.Relocs = append(res.Relocs, r)
		}

		res.Switches = append(res.Switches, p.Switches...)
	}

	return res
}

func intIn(x int, s []int) bool {
	for _, y := range s {
		if x == y {
			return true
		}
	}

	return false
}

func (b Binding) String() string {
	switch b {
	case Global:
		return "global"
	case Local:
		return "local"
	case Weak:
		return "weak"
	default:
		return fmt.Sprintf("bind(%d)", int(b))
	}
}

func (k RelocKind) String() string {
	switch k {
	case RelAbs:
		return "abs"
	case RelPC:
		return "pcrel"
	case RelGOT:
		return "got"
	case RelPLT:
		return "plt"
	default:
		return fmt.Sprintf("reloc(%d)", int(k))
	}
}
