package abi

import (
	"tlog.app/go/errors"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/target"
	"github.com/slowlang/lower/compiler/tp"
)

type (
	// ArgLoc is one argument or return value placed under a
	// convention: a class register or a stack offset.
	ArgLoc struct {
		Type tp.Type

		InReg bool
		Class ir.RegClass
		Reg   int

		// Off is the stack offset for stack arguments, the output
		// buffer offset for struct returns.
		Off int
	}

	// Plan is the full frame layout of one call.
	Plan struct {
		Args []ArgLoc
		Rets []ArgLoc

		// SRet means returns go to a caller buffer whose address is
		// a hidden first argument. Args[0] is the hidden pointer.
		SRet bool

		// StackBytes is the argument area, aligned for the
		// convention. The stack pointer moves by this much around
		// the call.
		StackBytes int
	}
)

// ErrABI is an argument or return shape the named convention cannot
// place.
var ErrABI = errors.New("abi mismatch")

// LowerCall places typed arguments and returns under a convention.
// Registers come from the convention's ordered lists, one cursor per
// class; what does not fit goes to the stack.
func LowerCall(a *target.ABI, ptrBits int16, args, rets []tp.Type) (p Plan, err error) {
	word := int(ptrBits) / 8

	p.Rets, p.SRet, err = placeRets(a, ptrBits, rets)
	if err != nil {
		return Plan{}, err
	}

	if p.SRet {
		args = append([]tp.Type{tp.MakePtr(ptrBits)}, args...)
	}

	var next [ir.NClasses]int
	var stack []int // arg indices placed on the stack

	for i, t := range args {
		if t.Class == tp.Untyped {
			return Plan{}, errors.Wrap(ErrABI, "untyped argument %d", i)
		}

		cl := classOf(t)

		wide := cl == ir.GP && int(t.Bits) > int(ptrBits)

		if !wide && next[cl] < len(a.Args[cl]) {
			p.Args = append(p.Args, ArgLoc{Type: t, InReg: true, Class: cl, Reg: a.Args[cl][next[cl]]})
			next[cl]++

			continue
		}

		stack = append(stack, len(p.Args))
		p.Args = append(p.Args, ArgLoc{Type: t})
	}

	off := 0
	offs := make([]int, len(stack))

	for i := range stack {
		k := i
		if a.StackRTL {
			k = len(stack) - 1 - i
		}

		offs[k] = off
		off += slotSize(args[stack[k]], word)
	}

	for i, j := range stack {
		p.Args[j].Off = offs[i]
	}

	p.StackBytes = align(off, a.StackAlign)

	return p, nil
}

// placeRets assigns return registers, falling back to a struct-return
// buffer as soon as one value does not fit.
func placeRets(a *target.ABI, ptrBits int16, rets []tp.Type) (locs []ArgLoc, sret bool, err error) {
	word := int(ptrBits) / 8

	var next [ir.NClasses]int

	for i, t := range rets {
		if t.Class == tp.Untyped {
			return nil, false, errors.Wrap(ErrABI, "untyped return %d", i)
		}

		cl := classOf(t)

		if cl == ir.GP && int(t.Bits) > int(ptrBits) || next[cl] >= len(a.Rets[cl]) {
			sret = true
			break
		}

		locs = append(locs, ArgLoc{Type: t, InReg: true, Class: cl, Reg: a.Rets[cl][next[cl]]})
		next[cl]++
	}

	if !sret {
		return locs, false, nil
	}

	locs = locs[:0]
	off := 0

	for _, t := range rets {
		off = align(off, min(slotSize(t, word), 16))

		locs = append(locs, ArgLoc{Type: t, Off: off})
		off += t.Size()
	}

	return locs, true, nil
}

func classOf(t tp.Type) ir.RegClass {
	switch t.Class {
	case tp.Float:
		return ir.FP
	case tp.Vec:
		return ir.VC
	default:
		return ir.GP
	}
}

func slotSize(t tp.Type, word int) int {
	size := t.Size()
	if size < word {
		size = word
	}

	return align(size, word)
}

func align(x, to int) int {
	return (x + to - 1) &^ (to - 1)
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}
