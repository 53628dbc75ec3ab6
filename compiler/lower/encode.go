package lower

import (
	"fmt"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/regalloc"
	"github.com/slowlang/lower/compiler/tp"
)

// wordOpc is the native opcode of an operation on machine-word ints,
// used by immediate materialization on its own behalf.
func (fc *fnContext) wordOpc(op ir.Op) uint8 {
	return fc.d.Classify(op, tp.MakeInt(fc.d.PtrBits, false)).Tmpl.Opc
}

// Instructions are fixed 32-bit words laid out by the target Encoding.
// A word may be followed by one 32-bit immediate: a displacement, a
// constant, or a relocation site.
//
// Register fields above fieldFrame are markers, not registers.
const (
	fieldFrame = 0xfe // frame slot, sp plus the trailing immediate
	fieldDisp  = 0xfd // register in the other field plus the immediate
)

type (
	fixup struct {
		instr int // instruction index, for the long-form retry
		off   int // branch word offset
		label ir.Label
		long  bool
	}

	// OverflowError is a branch displacement that does not fit the
	// short encoding. The function is retried with that branch in
	// long form.
	OverflowError struct {
		Instr int
	}
)

func (e OverflowError) Error() string {
	return fmt.Sprintf("displacement overflow at instr %d", e.Instr)
}

func (fc *fnContext) word(opc uint8, dst, a, b int) uint32 {
	e := fc.d.Enc

	return uint32(opc)<<e.OpShift | uint32(dst&0xff)<<e.DstShift | uint32(a&0xff)<<e.AShift | uint32(b&0xff)<<e.BShift
}

func (fc *fnContext) emitWord(w uint32) (off int) {
	var q [4]byte

	fc.putWord(q[:], w)

	return fc.b.Emit(fc.text, q[:]...)
}

func (fc *fnContext) putWord(q []byte, w uint32) {
	if fc.d.BigEndian {
		q[0], q[1], q[2], q[3] = byte(w>>24), byte(w>>16), byte(w>>8), byte(w)
	} else {
		q[0], q[1], q[2], q[3] = byte(w), byte(w>>8), byte(w>>16), byte(w>>24)
	}
}

func (fc *fnContext) readWord(off int) uint32 {
	q := fc.b.Object().Sections[fc.text].Data[off : off+4]

	if fc.d.BigEndian {
		return uint32(q[0])<<24 | uint32(q[1])<<16 | uint32(q[2])<<8 | uint32(q[3])
	}

	return uint32(q[3])<<24 | uint32(q[2])<<16 | uint32(q[1])<<8 | uint32(q[0])
}

func (fc *fnContext) patchWord(off int, w uint32) {
	var q [4]byte

	fc.putWord(q[:], w)
	fc.b.Patch(fc.text, off, q[:]...)
}

func (fc *fnContext) emitImm(v int64) (off int) {
	return fc.emitWord(uint32(v))
}

// ldr loads a word-sized value from a frame slot.
func (fc *fnContext) ldr(dst int, l regalloc.Loc) {
	fc.emitWord(fc.word(fc.d.Fixed.Load, dst, fieldFrame, 0))
	fc.emitImm(int64(l.Off))
}

func (fc *fnContext) str(src int, l regalloc.Loc) {
	fc.emitWord(fc.word(fc.d.Fixed.Store, fieldFrame, src, 0))
	fc.emitImm(int64(l.Off))
}

// ldrOff loads through a pointer register with a displacement.
func (fc *fnContext) ldrOff(dst, addr, off int) {
	fc.emitWord(fc.word(fc.d.Fixed.Load, dst, addr, fieldDisp))
	fc.emitImm(int64(off))
}

func (fc *fnContext) strOff(src, addr, off int) {
	fc.emitWord(fc.word(fc.d.Fixed.Store, addr, src, fieldDisp))
	fc.emitImm(int64(off))
}

func (fc *fnContext) movRR(dst, src int) {
	fc.emitWord(fc.word(fc.d.Fixed.Mov, dst, src, 0))
}

func (fc *fnContext) movI(dst int, v uint32) {
	fc.emitWord(fc.word(fc.d.Fixed.MovImm, dst, 0, 0))
	fc.emitImm(int64(v))
}

func (fc *fnContext) spadj(v int) {
	if v == 0 {
		return
	}

	fc.emitWord(fc.word(fc.d.Fixed.SPAdj, 0, 0, 0))
	fc.emitImm(int64(v))
}

// scratch rotates over the class scratch registers. A caller holding
// one across another scratch taker re-takes on collision.
func (fc *fnContext) scratch(cl ir.RegClass) int {
	ss := fc.d.Regs[cl].Scratch
	if len(ss) == 0 {
		ss = fc.d.Regs[ir.GP].Scratch
		cl = ir.GP
	}

	r := ss[fc.scr[cl]%len(ss)]
	fc.scr[cl]++

	return r
}

// loadImm materializes a constant into a location. Wide constants
// build up from 32-bit pieces, wide destinations fill per half.
func (fc *fnContext) loadImm(t tp.Type, v int64, dst regalloc.Loc) {
	word := int(fc.d.PtrBits) / 8

	if t.Size() > word {
		for j := 0; j*word < t.Size(); j++ {
			s := fc.scratch(ir.GP)

			fc.movI(s, uint32(v>>(j*word*8)))
			fc.str(s, fc.halfLoc(t, dst, j))
		}

		return
	}

	r := dst.Reg
	if dst.Kind != regalloc.LocReg {
		r = fc.scratch(ir.GP)
	}

	if v == int64(int32(v)) || word == 4 {
		fc.movI(r, uint32(v))
	} else {
		s := fc.scratch(ir.GP)
		if s == r {
			s = fc.scratch(ir.GP)
		}

		fc.movI(r, uint32(v>>32))
		fc.movI(s, 32)
		fc.emitWord(fc.word(fc.wordOpc(ir.Shl), r, r, s))
		fc.movI(s, uint32(v))
		fc.emitWord(fc.word(fc.wordOpc(ir.Or), r, r, s))
	}

	if dst.Kind == regalloc.LocSlot {
		fc.str(r, dst)
	}
}

// halfLoc is the frame home of machine word j of a wide value,
// j counted from the least significant end.
func (fc *fnContext) halfLoc(t tp.Type, l regalloc.Loc, j int) regalloc.Loc {
	word := int(fc.d.PtrBits) / 8

	off := j * word
	if fc.d.BigEndian {
		off = t.Size() - word - off
	}

	return regalloc.Loc{Kind: regalloc.LocSlot, Off: l.Off + off}
}

// halfDisp is the memory displacement of word j behind a pointer.
func (fc *fnContext) halfDisp(t tp.Type, j int) int {
	word := int(fc.d.PtrBits) / 8

	if fc.d.BigEndian {
		return t.Size() - word - j*word
	}

	return j * word
}

// move copies a value of type t between two locations.
func (fc *fnContext) move(t tp.Type, dst, src regalloc.Loc) {
	if dst == src {
		return
	}

	word := int(fc.d.PtrBits) / 8

	if t.Size() > word && (t.Class == tp.Int || t.Class == tp.Ptr || dst.Kind == regalloc.LocSlot && src.Kind == regalloc.LocSlot) {
		for off := 0; off < t.Size(); off += word {
			s := fc.scratch(ir.GP)

			fc.ldr(s, regalloc.Loc{Kind: regalloc.LocSlot, Off: src.Off + off})
			fc.str(s, regalloc.Loc{Kind: regalloc.LocSlot, Off: dst.Off + off})
		}

		return
	}

	switch {
	case dst.Kind == regalloc.LocReg && src.Kind == regalloc.LocReg:
		fc.movRR(dst.Reg, src.Reg)
	case dst.Kind == regalloc.LocReg:
		fc.ldr(dst.Reg, src)
	case src.Kind == regalloc.LocReg:
		fc.str(src.Reg, dst)
	default:
		s := fc.scratch(classOfType(t))

		fc.ldr(s, src)
		fc.str(s, dst)
	}
}

func classOfType(t tp.Type) ir.RegClass {
	switch t.Class {
	case tp.Float:
		return ir.FP
	case tp.Vec:
		return ir.VC
	default:
		return ir.GP
	}
}

// branch emits a jump to a label, short form unless this very branch
// already overflowed on a previous attempt.
func (fc *fnContext) branch(instr int, opc uint8, cc int, l ir.Label) {
	long := fc.long[instr]

	off := fc.emitWord(fc.word(opc, cc, 0, 0))

	if long {
		fc.patchWord(off, fc.readWord(off)|1<<fc.d.Enc.BShift) // long-form bit
		fc.emitImm(0)
	}

	fc.fixups = append(fc.fixups, fixup{instr: instr, off: off, label: l, long: long})
}

// resolve patches every branch once all labels are placed. A short
// branch that cannot reach reports overflow and the whole function is
// redone with it in long form.
func (fc *fnContext) resolve() error {
	for _, fx := range fc.fixups {
		to, ok := fc.labels[fx.label]
		if !ok {
			panic(fmt.Sprintf("unplaced label %d", fx.label))
		}

		if fx.long {
			disp := to - (fx.off + 8)
			fc.patchWord(fx.off+4, uint32(int32(disp)))

			continue
		}

		disp := to - (fx.off + 4)

		if disp != int(int16(disp)) {
			return OverflowError{Instr: fx.instr}
		}

		w := fc.readWord(fx.off)
		w |= uint32(uint16(disp))

		fc.patchWord(fx.off, w)
	}

	return nil
}
