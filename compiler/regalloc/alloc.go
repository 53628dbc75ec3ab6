package regalloc

import (
	"context"
	"fmt"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/set"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

type (
	LocKind uint8

	// Loc is where a value lives over some stretch of its lifetime.
	Loc struct {
		Kind LocKind
		Reg  int
		Off  int // frame offset for LocSlot
	}

	// Placement pins a value to one location over [From, To).
	Placement struct {
		From int
		To   int
		Loc  Loc
	}

	// Move is a spill or a reload the emitter has to place at an
	// instruction boundary.
	Move struct {
		Val  Val
		Type tp.Type
		From Loc
		To   Loc
	}

	// Assignment is the allocator output: a piecewise location
	// function per value plus the frame the function needs.
	Assignment struct {
		Place map[Val][]Placement

		// Before[i] run ahead of instruction i, After[i] right past it.
		Before map[int][]Move
		After  map[int][]Move

		// Frame is the spill area size, aligned for the target.
		Frame int

		word int
		slot map[Val]int
	}

	allocator struct {
		d   *target.Descriptor
		f   *ir.Func
		ivs []Interval

		a *Assignment
	}

	live struct {
		iv  int
		reg int
	}
)

const (
	LocNone LocKind = iota
	LocReg
	LocSlot
)

// RuntimeABI is the calling convention library call expansions use.
const RuntimeABI = "std"

// Alloc runs linear scan over the intervals and never fails on
// pressure: when registers run out the interval with the furthest end
// moves to a frame slot.
func Alloc(ctx context.Context, d *target.Descriptor, f *ir.Func, ivs []Interval) (_ *Assignment, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "func", f.Name, "intervals", len(ivs))
	defer tr.Finish("err", &err)

	al := &allocator{
		d:   d,
		f:   f,
		ivs: ivs,
		a: &Assignment{
			Place:  make(map[Val][]Placement, len(ivs)),
			Before: map[int][]Move{},
			After:  map[int][]Move{},

			word: int(d.PtrBits) / 8,
			slot: map[Val]int{},
		},
	}

	byClass := [ir.NClasses][]int{}

	for j := range ivs {
		iv := &ivs[j]

		cl, inReg := al.classOf(iv)
		if !inReg {
			al.a.set(iv.Val, Placement{From: iv.Start, To: iv.End, Loc: al.a.slotOf(iv.Val, iv.Type)})
			continue
		}

		byClass[cl] = append(byClass[cl], j)
	}

	for cl := ir.RegClass(0); cl < ir.NClasses; cl++ {
		al.scan(cl, byClass[cl])
	}

	err = al.clobber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "call sites")
	}

	al.a.Frame = align(al.a.Frame, d.StackAlign)

	if tr.If("dump_alloc") {
		for j := range ivs {
			tr.Printw("placement", "val", ivs[j].Val, "tp", ivs[j].Type, "place", al.a.Place[ivs[j].Val])
		}
	}

	return al.a, nil
}

// classOf decides the register file for an interval. Values pinned by
// a target switch, values wider than the machine word, and values of
// an empty register file live in the frame for their whole lifetime.
func (al *allocator) classOf(iv *Interval) (cl ir.RegClass, inReg bool) {
	if iv.Fixed {
		return 0, false
	}

	switch {
	case !iv.Val.IsVar:
		cl = iv.Val.Reg.Class
	case iv.Type.Class == tp.Float:
		cl = ir.FP
	case iv.Type.Class == tp.Vec:
		cl = ir.VC
	default:
		cl = ir.GP
	}

	rf := al.d.Regs[cl]

	if iv.Type.Class == tp.Float && rf.Count == 0 {
		cl, rf = ir.GP, al.d.Regs[ir.GP]
	}

	if rf.Count == 0 || int(iv.Type.Bits) > int(al.d.PtrBits) && cl != ir.FP && cl != ir.VC {
		return 0, false
	}

	return cl, true
}

func (al *allocator) scan(cl ir.RegClass, idx []int) {
	if len(idx) == 0 {
		return
	}

	rf := al.d.Regs[cl]

	free := set.MakeBits(0)
	free.FillSet(0, rf.Count)
	free.Substract(rf.Reserved)

	q := heap.Heap[int]{Less: func(d []int, i, j int) bool {
		return al.ivs[d[i]].Start < al.ivs[d[j]].Start
	}}

	for _, j := range idx {
		q.Push(j)
	}

	var act []live

	for q.Len() != 0 {
		j := q.Pop()
		cur := &al.ivs[j]

		for k := 0; k < len(act); {
			if al.ivs[act[k].iv].End <= cur.Start {
				free.Set(act[k].reg)
				act[k] = act[len(act)-1]
				act = act[:len(act)-1]

				continue
			}

			k++
		}

		if r := free.First(); r >= 0 {
			free.Clear(r)
			act = append(act, live{iv: j, reg: r})

			al.a.set(cur.Val, Placement{From: cur.Start, To: cur.End, Loc: Loc{Kind: LocReg, Reg: r}})

			continue
		}

		// no free register: the furthest end loses its seat

		v := 0

		for k := 1; k < len(act); k++ {
			if al.ivs[act[k].iv].End > al.ivs[act[v].iv].End {
				v = k
			}
		}

		if al.ivs[act[v].iv].End <= cur.End {
			al.a.set(cur.Val, Placement{From: cur.Start, To: cur.End, Loc: al.a.slotOf(cur.Val, cur.Type)})
			continue
		}

		vic := &al.ivs[act[v].iv]
		r := act[v].reg

		pl := al.a.Place[vic.Val]
		pl[len(pl)-1].To = cur.Start

		sl := al.a.slotOf(vic.Val, vic.Type)

		al.a.Place[vic.Val] = append(pl, Placement{From: cur.Start, To: vic.End, Loc: sl})
		al.a.before(cur.Start, Move{Val: vic.Val, Type: vic.Type, From: Loc{Kind: LocReg, Reg: r}, To: sl})

		act[v] = live{iv: j, reg: r}

		al.a.set(cur.Val, Placement{From: cur.Start, To: cur.End, Loc: Loc{Kind: LocReg, Reg: r}})
	}
}

// clobber spills register residents around every call site unless the
// callee preserves the register under the call's convention.
func (al *allocator) clobber(ctx context.Context) error {
	for i, x := range al.f.Code {
		abi, err := al.callABI(x)
		if err != nil {
			return errors.Wrap(err, "instr %d", i)
		}
		if abi == nil {
			continue
		}

		for j := range al.ivs {
			iv := &al.ivs[j]

			if iv.Start > i || iv.End <= i+1 {
				continue
			}

			al.split(iv, i, abi)
		}
	}

	return nil
}

func (al *allocator) split(iv *Interval, call int, abi *target.ABI) {
	pl := al.a.Place[iv.Val]

	for k := range pl {
		p := pl[k]

		if p.Loc.Kind != LocReg || p.From > call || p.To <= call+1 {
			continue
		}

		cl, _ := al.classOf(iv)
		if abi.CalleeSaved[cl].IsSet(p.Loc.Reg) {
			return
		}

		sl := al.a.slotOf(iv.Val, iv.Type)

		rest := p
		rest.From = call + 1

		pl[k].To = call
		pl = append(pl, Placement{From: call, To: call + 1, Loc: sl}, rest)

		al.a.Place[iv.Val] = pl
		al.a.before(call, Move{Val: iv.Val, Type: iv.Type, From: p.Loc, To: sl})
		al.a.after(call, Move{Val: iv.Val, Type: iv.Type, From: sl, To: p.Loc})

		return
	}
}

// callABI reports the convention an instruction calls under, nil for
// instructions that do not leave the function.
func (al *allocator) callABI(x ir.Instr) (*target.ABI, error) {
	if x.Op == ir.Call {
		abi, ok := al.d.ABIs[x.ABI]
		if !ok {
			return nil, errors.Wrap(target.ErrConfiguration, "unknown abi %v", x.ABI)
		}

		return abi, nil
	}

	switch x.Op.Cat() {
	case ir.CatMath, ir.CatBit, ir.CatMem, ir.CatConv:
	default:
		return nil, nil
	}

	t := x.Ops[0].Type
	s := al.d.Classify(x.Op, t)

	if s.Kind == target.Inline && s.Expand == target.ExpandVecLoop && t.Class == tp.Vec && x.Op.Cat() != ir.CatMem {
		s = al.d.Classify(x.Op, t.Lane())
	}

	if s.Kind != target.LibraryCall {
		return nil, nil
	}

	abi, ok := al.d.ABIs[RuntimeABI]
	if !ok {
		return nil, errors.Wrap(target.ErrConfiguration, "no %v abi for library calls", RuntimeABI)
	}

	return abi, nil
}

// At is the location of a value at an instruction index.
func (a *Assignment) At(v Val, i int) Loc {
	for _, p := range a.Place[v] {
		if p.From <= i && i < p.To {
			return p.Loc
		}
	}

	return Loc{}
}

// SlotOf reports the frame home of a value, allocating one if the
// value never had to spill yet.
func (a *Assignment) SlotOf(v Val, t tp.Type) Loc {
	return a.slotOf(v, t)
}

func (a *Assignment) slotOf(v Val, t tp.Type) Loc {
	off, ok := a.slot[v]
	if ok {
		return Loc{Kind: LocSlot, Off: off}
	}

	size := t.Size()
	if size < a.word {
		size = a.word
	}

	size = align(size, a.word)

	off = a.Frame
	a.slot[v] = off
	a.Frame += size

	return Loc{Kind: LocSlot, Off: off}
}

func (a *Assignment) set(v Val, p Placement) {
	a.Place[v] = append(a.Place[v], p)
}

func (a *Assignment) before(i int, m Move) {
	a.Before[i] = append(a.Before[i], m)
}

func (a *Assignment) after(i int, m Move) {
	a.After[i] = append(a.After[i], m)
}

func align(x, to int) int {
	return (x + to - 1) &^ (to - 1)
}

func (k LocKind) String() string {
	switch k {
	case LocNone:
		return "none"
	case LocReg:
		return "reg"
	case LocSlot:
		return "slot"
	default:
		return "bad"
	}
}

func (l Loc) String() string {
	switch l.Kind {
	case LocReg:
		return fmt.Sprintf("r%d", l.Reg)
	case LocSlot:
		return fmt.Sprintf("[sp+%d]", l.Off)
	default:
		return "?"
	}
}
