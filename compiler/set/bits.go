package set

import (
	"math/bits"
)

type (
	Key interface {
		~int | ~int64
	}

	Bits[K Key] struct {
		base K
		b    []uint64
		b0   [2]uint64
	}
)

func MakeBits[K Key](base K) Bits[K] {
	s := Bits[K]{
		base: base,
	}

	s.b = s.b0[:]

	return s
}

func (s *Bits[K]) Set(k K) {
	i, j := s.ij(k)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s Bits[K]) IsSet(k K) bool {
	i, j := s.ij(k)

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

func (s Bits[K]) Clear(k K) {
	i, j := s.ij(k)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s *Bits[K]) SetAll(k ...K) {
	for _, k := range k {
		s.Set(k)
	}
}

// FillSet sets all keys in [from, to).
func (s *Bits[K]) FillSet(from, to K) {
	for k := from; k < to; k++ {
		s.Set(k)
	}
}

// First returns the smallest set key or base-1 if the set is empty.
func (s Bits[K]) First() K {
	for i, x := range s.b {
		if x == 0 {
			continue
		}

		return s.base + K(i*64+bits.TrailingZeros64(x))
	}

	return s.base - 1
}

func (s Bits[K]) Substract(x Bits[K]) {
	if s.base != x.base {
		panic(s)
	}

	n := len(s.b)
	if m := len(x.b); m < n {
		n = m
	}

	for i, x := range x.b[:n] {
		s.b[i] &^= x
	}
}

func (s Bits[K]) Size() (r int) {
	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

func (s *Bits[K]) ij(k K) (i int, j int) {
	p := int(k - s.base)
	i, j = p/64, p%64

	return i, j
}

func (s *Bits[K]) grow(i int) {
	if s.b == nil {
		s.b = s.b0[:]
	}

	for i >= cap(s.b) {
		s.b = append(s.b[:cap(s.b)], 0)
	}

	s.b = s.b[:cap(s.b)]
}
