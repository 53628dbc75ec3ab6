package obj

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"tlog.app/go/errors"
)

// ErrFormat is a malformed or truncated object container. It is
// reported before any section content is used.
var ErrFormat = errors.New("object format")

var magic = [4]byte{'L', 'O', 'W', 'O'}

const version = 1

// Append serializes the object into the container format: header,
// target list, tables, section bytes with per-section digests.
func (o *Object) Append(b []byte) []byte {
	b = append(b, magic[:]...)
	b = le32(b, version)

	b = le32(b, uint32(len(o.Targets)))
	for _, t := range o.Targets {
		b = le32(b, uint32(t))
	}

	b = le32(b, uint32(len(o.Sections)))
	b = le32(b, uint32(len(o.Symbols)))
	b = le32(b, uint32(len(o.Relocs)))
	b = le32(b, uint32(len(o.Switches)))

	for _, s := range o.Sections {
		b = str(b, s.Name)
		b = le32(b, uint32(s.Flags))
		b = le32(b, uint32(len(s.Data)))
		b = le64(b, xxhash.Sum64(s.Data))
		b = append(b, s.Data...)
	}

	for _, s := range o.Symbols {
		b = str(b, s.Name)
		b = append(b, byte(s.Bind), byte(s.Kind))
		b = le32(b, uint32(s.Section))
		b = le32(b, uint32(s.Off))
		b = le32(b, uint32(s.Size))
	}

	for _, r := range o.Relocs {
		var flags byte
		if r.Big {
			flags = 1
		}

		b = str(b, r.Sym)
		b = append(b, byte(r.Kind), flags)
		b = le32(b, uint32(r.Section))
		b = le32(b, uint32(r.Off))
		b = le64(b, uint64(r.Addend))
	}

	for _, t := range o.Switches {
		b = le32(b, uint32(t.From))
		b = le32(b, uint32(t.To))
		b = str(b, t.Entry)
		b = str(b, t.Ret)

		b = le32(b, uint32(len(t.Maps)))
		for _, m := range t.Maps {
			b = le32(b, uint32(m.Src))
			b = le32(b, uint32(m.Dst))
			b = append(b, byte(m.Conv))
		}
	}

	return b
}

// Read parses a container. Any truncation, bound violation or digest
// mismatch rejects the whole input, no partially parsed object is
// ever returned.
func Read(b []byte) (_ *Object, err error) {
	r := &reader{b: b}

	var m [4]byte
	copy(m[:], r.bytes(4))

	if m != magic {
		return nil, errors.Wrap(ErrFormat, "bad magic")
	}
	if v := r.u32(); v != version {
		return nil, errors.Wrap(ErrFormat, "unsupported version %d", v)
	}

	o := &Object{}

	nt := r.count("targets")
	for i := 0; i < nt && r.err == nil; i++ {
		o.Targets = append(o.Targets, int(r.u32()))
	}

	ns := r.count("sections")
	nsym := r.count("symbols")
	nrel := r.count("relocs")
	nsw := r.count("switches")

	if r.err != nil {
		return nil, r.err
	}

	for i := 0; i < ns && r.err == nil; i++ {
		s := Section{}

		s.Name = r.str()
		s.Flags = SectFlags(r.u32())
		size := int(r.u32())
		digest := r.u64()

		data := r.bytes(size)
		if r.err != nil {
			break
		}

		if xxhash.Sum64(data) != digest {
			return nil, errors.Wrap(ErrFormat, "section %v: digest mismatch", s.Name)
		}

		s.Data = append([]byte{}, data...)
		o.Sections = append(o.Sections, s)
	}

	for i := 0; i < nsym && r.err == nil; i++ {
		s := Symbol{}

		s.Name = r.str()
		s.Bind = Binding(r.u8())
		s.Kind = SymKind(r.u8())
		s.Section = int(r.u32())
		s.Off = int(r.u32())
		s.Size = int(r.u32())

		if r.err == nil && (s.Section >= ns || s.Off > len(o.Sections[s.Section].Data)) {
			return nil, errors.Wrap(ErrFormat, "symbol %v outside its section", s.Name)
		}

		o.Symbols = append(o.Symbols, s)
	}

	for i := 0; i < nrel && r.err == nil; i++ {
		rl := Reloc{}

		rl.Sym = r.str()
		rl.Kind = RelocKind(r.u8())
		rl.Big = r.u8()&1 != 0
		rl.Section = int(r.u32())
		rl.Off = int(r.u32())
		rl.Addend = int64(r.u64())

		if r.err == nil && (rl.Section >= ns || rl.Off > len(o.Sections[rl.Section].Data)) {
			return nil, errors.Wrap(ErrFormat, "relocation site outside section")
		}

		o.Relocs = append(o.Relocs, rl)
	}

	for i := 0; i < nsw && r.err == nil; i++ {
		t := TargetSwitch{}

		t.From = int(r.u32())
		t.To = int(r.u32())
		t.Entry = r.str()
		t.Ret = r.str()

		nm := r.count("mappings")
		for j := 0; j < nm && r.err == nil; j++ {
			m := DataMapping{}

			m.Src = int(r.u32())
			m.Dst = int(r.u32())
			m.Conv = ConvKind(r.u8())

			t.Maps = append(t.Maps, m)
		}

		o.Switches = append(o.Switches, t)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(b) {
		return nil, errors.Wrap(ErrFormat, "%d trailing bytes", len(b)-r.off)
	}

	return o, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || r.off+n > len(r.b) {
		r.err = errors.Wrap(ErrFormat, "truncated at %#x", r.off)
		return nil
	}

	b := r.b[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() string {
	n := int(r.u32())

	if n > len(r.b)-r.off {
		r.err = errors.Wrap(ErrFormat, "string of %d bytes at %#x", n, r.off)
		return ""
	}

	return string(r.bytes(n))
}

func (r *reader) count(what string) int {
	n := int(r.u32())

	// every element takes at least one byte
	if n > len(r.b)-r.off {
		r.err = errors.Wrap(ErrFormat, "%v count %d", what, n)
		return 0
	}

	return n
}

func str(b []byte, s string) []byte {
	b = le32(b, uint32(len(s)))

	return append(b, s...)
}

func le32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func le64(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
