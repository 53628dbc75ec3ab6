package obj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderSections(t *testing.T) {
	b := NewBuilder(1)

	text := b.Section(".text", SectRead|SectExec|SectAlloc)
	data := b.Section(".data", SectRead|SectWrite|SectAlloc)

	assert.NotEqual(t, text, data)
	assert.Equal(t, text, b.Section(".text", 0), "same section on lookup")

	off := b.Emit(text, 1, 2, 3, 4)
	assert.Equal(t, 0, off)

	off = b.Emit(text, 5, 6)
	assert.Equal(t, 4, off)
	assert.Equal(t, 6, b.Len(text))

	b.Patch(text, 4, 7)

	o := b.Object()
	assert.Equal(t, []byte{1, 2, 3, 4, 7, 6}, o.Sections[text].Data)
	assert.Equal(t, []int{1}, o.Targets)
}

func TestBuilderBounds(t *testing.T) {
	b := NewBuilder(1)
	s := b.Section(".text", SectRead)
	b.Emit(s, 0, 0)

	assert.Panics(t, func() { b.Patch(s, 1, 1, 1, 1) })
	assert.Panics(t, func() { b.Symbol(Symbol{Name: "x", Section: 5}) })
	assert.Panics(t, func() { b.Reloc(Reloc{Section: s, Off: 3}) })
}

func part(name string, n int, syms ...Symbol) *Object {
	b := NewBuilder(1)
	s := b.Section(name, SectRead)

	for i := 0; i < n; i++ {
		b.Emit(s, byte(i))
	}

	for _, sym := range syms {
		sym.Section = s
		b.Symbol(sym)
	}

	return b.Object()
}

func TestMergeOrderAndOffsets(t *testing.T) {
	a := part(".text", 6, Symbol{Name: "a", Off: 2})
	b := part(".text", 3, Symbol{Name: "b", Off: 1})

	m := Merge(a, b)

	require.Len(t, m.Sections, 1)
	assert.Equal(t, ".text", m.Sections[0].Name)

	// the first part pads to 4 before the second lands
	assert.Equal(t, 6+2+3, len(m.Sections[0].Data))

	require.Len(t, m.Symbols, 2)
	assert.Equal(t, 2, m.Symbols[0].Off)
	assert.Equal(t, 8+1, m.Symbols[1].Off)
}

func TestMergeSectionUnion(t *testing.T) {
	a := part(".text", 4)
	b := part(".data", 4)
	c := part(".text", 4)

	m := Merge(a, b, c)

	require.Len(t, m.Sections, 2)
	assert.Equal(t, ".text", m.Sections[0].Name)
	assert.Equal(t, ".data", m.Sections[1].Name)
	assert.Equal(t, 8, len(m.Sections[0].Data))
}

func TestMergeTargets(t *testing.T) {
	a := NewBuilder(1, 2).Object()
	b := NewBuilder(2, 3).Object()

	m := Merge(a, b)
	assert.Equal(t, []int{1, 2, 3}, m.Targets)
}
