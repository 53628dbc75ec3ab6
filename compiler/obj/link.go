package obj

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

// ErrSymbol covers duplicate strong definitions, local name
// collisions across modules and unresolved externals.
var ErrSymbol = errors.New("symbol")

type def struct {
	mod int
	sym int // index in the merged symbol table
}

type localKey struct {
	mod  int
	name string
}

// Link merges modules and resolves every relocation against the
// merged symbol table. Resolution is two-phase: all definitions are
// collected first, then every relocation is patched; nothing is
// resolved recursively along the way.
func Link(mods ...*Object) (_ *Object, err error) {
	res := Merge(mods...)

	// the merged table preserves module order, recover which module
	// each symbol came from
	modof := make([]int, 0, len(res.Symbols))

	for i, m := range mods {
		for range m.Symbols {
			modof = append(modof, i)
		}
	}

	// phase 1: collect definitions

	defs := map[string]def{}
	locals := map[string]int{}

	for i, s := range res.Symbols {
		mod := modof[i]

		if s.Bind == Local {
			if m, ok := locals[s.Name]; ok && m != mod {
				return nil, errors.Wrap(ErrSymbol, "local %v defined in modules %d and %d", s.Name, m, mod)
			}

			locals[s.Name] = mod

			continue
		}

		prev, ok := defs[s.Name]
		if !ok {
			defs[s.Name] = def{mod: mod, sym: i}
			continue
		}

		pb := res.Symbols[prev.sym].Bind

		switch {
		case pb != Weak && s.Bind != Weak:
			return nil, errors.Wrap(ErrSymbol, "duplicate definition of %v (modules %d and %d)", s.Name, prev.mod, mod)
		case pb == Weak && s.Bind != Weak:
			// first non-weak wins over any weak
			defs[s.Name] = def{mod: mod, sym: i}
		default:
			// keep the earlier one
		}
	}

	// local symbols resolve within their own module only; the merged
	// table keeps them, relocations prefer the global namespace
	localIdx := map[localKey]int{}

	for i, s := range res.Symbols {
		if s.Bind == Local {
			localIdx[localKey{mod: modof[i], name: s.Name}] = i
		}
	}

	// same recovery for relocations, a reference only sees the locals
	// of the module it came from
	rmod := make([]int, 0, len(res.Relocs))

	for i, m := range mods {
		for range m.Relocs {
			rmod = append(rmod, i)
		}
	}

	// section load addresses: fixed order, fixed alignment
	base := make([]int, len(res.Sections))
	addr := 0

	for i, s := range res.Sections {
		addr = align(addr, 16)
		base[i] = addr
		addr += len(s.Data)
	}

	// phase 2: patch

	for ri, r := range res.Relocs {
		d, ok := defs[r.Sym]
		sym := d.sym

		if !ok {
			sym, ok = localIdx[localKey{mod: rmod[ri], name: r.Sym}]
		}
		if !ok {
			return nil, errors.Wrap(ErrSymbol, "unresolved %v (%v at %v+%#x)", r.Sym, r.Kind, res.Sections[r.Section].Name, r.Off)
		}

		s := res.Symbols[sym]
		target := base[s.Section] + s.Off + int(r.Addend)

		var v int64

		switch r.Kind {
		case RelAbs, RelGOT:
			v = int64(target)
		case RelPC, RelPLT:
			v = int64(target - (base[r.Section] + r.Off))
		default:
			return nil, errors.Wrap(ErrSymbol, "bad relocation kind %v", r.Kind)
		}

		data := res.Sections[r.Section].Data
		if r.Off+4 > len(data) {
			return nil, errors.Wrap(ErrSymbol, "relocation site %v+%#x outside section", res.Sections[r.Section].Name, r.Off)
		}

		if r.Big {
			binary.BigEndian.PutUint32(data[r.Off:], uint32(v))
		} else {
			binary.LittleEndian.PutUint32(data[r.Off:], uint32(v))
		}
	}

	res.Relocs = nil

	return res, nil
}

func align(x, to int) int {
	return (x + to - 1) &^ (to - 1)
}
