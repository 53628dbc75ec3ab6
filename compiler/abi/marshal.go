package abi

import (
	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

// Marshal describes moving one value of type t from a frame slot on
// one target to a frame slot on another. Pointers widen or narrow
// with the pointer size, multi-byte scalars swap when endianness
// differs, everything else copies as is.
func Marshal(from, to *target.Descriptor, t tp.Type, src, dst int) (obj.DataMapping, error) {
	m := obj.DataMapping{Src: src, Dst: dst, Conv: obj.ConvDirect}

	switch {
	case t.Class == tp.Untyped:
		return m, errors.Wrap(ErrABI, "untyped value at switch")
	case t.Class == tp.Ptr && from.PtrBits < to.PtrBits:
		m.Conv = obj.ConvPtrWiden
	case t.Class == tp.Ptr && from.PtrBits > to.PtrBits:
		m.Conv = obj.ConvPtrNarrow
	case t.Size() > 1 && from.BigEndian != to.BigEndian:
		m.Conv = obj.ConvByteSwap
	}

	return m, nil
}
