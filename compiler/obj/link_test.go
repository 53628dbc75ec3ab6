package obj

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caller(callee string, kind RelocKind) *Object {
	b := NewBuilder(1)
	s := b.Section(".text", SectRead|SectExec)

	b.Emit(s, 0, 0, 0, 0)
	b.Emit(s, 0, 0, 0, 0) // relocation site

	b.Symbol(Symbol{Name: "main", Bind: Global, Section: s, Off: 0, Size: 8})
	b.Reloc(Reloc{Section: s, Off: 4, Sym: callee, Kind: kind})

	return b.Object()
}

func callee(name string, bind Binding, size int) *Object {
	b := NewBuilder(1)
	s := b.Section(".text", SectRead|SectExec)

	for i := 0; i < size; i++ {
		b.Emit(s, 0)
	}

	b.Symbol(Symbol{Name: name, Bind: bind, Section: s, Off: 0, Size: size})

	return b.Object()
}

func TestLinkPCRel(t *testing.T) {
	res, err := Link(caller("f", RelPC), callee("f", Global, 4))
	require.NoError(t, err)

	// callee starts right after the 8 caller bytes
	got := binary.LittleEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(8-4), got)

	assert.Empty(t, res.Relocs, "everything resolved")
}

func TestLinkAbs(t *testing.T) {
	res, err := Link(caller("f", RelAbs), callee("f", Global, 4))
	require.NoError(t, err)

	got := binary.LittleEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(8), got, "absolute address of the callee")
}

func TestLinkDuplicateStrong(t *testing.T) {
	_, err := Link(callee("f", Global, 4), callee("f", Global, 4))
	assert.ErrorIs(t, err, ErrSymbol)
}

func TestLinkWeakOverride(t *testing.T) {
	res, err := Link(caller("f", RelPC), callee("f", Weak, 4), callee("f", Global, 4))
	require.NoError(t, err)

	// the strong definition wins: it sits after caller(8) and weak(4)
	got := binary.LittleEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(12-4), got)
}

func TestLinkWeakKeepsFirst(t *testing.T) {
	res, err := Link(caller("f", RelPC), callee("f", Weak, 4), callee("f", Weak, 4))
	require.NoError(t, err)

	got := binary.LittleEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(8-4), got)
}

func TestLinkUnresolved(t *testing.T) {
	_, err := Link(caller("missing", RelPC))
	assert.ErrorIs(t, err, ErrSymbol)
}

func TestLinkLocalCollision(t *testing.T) {
	_, err := Link(callee("f.sw0", Local, 4), callee("f.sw0", Local, 4))
	assert.ErrorIs(t, err, ErrSymbol)
}

func TestLinkLocalIsModulePrivate(t *testing.T) {
	// a local in one module must not satisfy a reference from another
	_, err := Link(callee("f.sw0", Local, 4), caller("f.sw0", RelAbs))
	assert.ErrorIs(t, err, ErrSymbol)
}

func TestLinkBigEndianSite(t *testing.T) {
	b := NewBuilder(2)
	s := b.Section(".text", SectRead|SectExec)

	b.Emit(s, 0, 0, 0, 0)
	b.Emit(s, 0, 0, 0, 0)

	b.Symbol(Symbol{Name: "main", Bind: Global, Section: s, Off: 0, Size: 8})
	b.Reloc(Reloc{Section: s, Off: 4, Sym: "f", Kind: RelAbs, Big: true})

	res, err := Link(b.Object(), callee("f", Global, 4))
	require.NoError(t, err)

	got := binary.BigEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(8), got, "patched in the word order of the emitting target")
}

func TestLinkLocalResolves(t *testing.T) {
	b := NewBuilder(1)
	s := b.Section(".text", SectRead|SectExec)

	b.Emit(s, 0, 0, 0, 0)
	b.Emit(s, 0, 0, 0, 0)

	b.Symbol(Symbol{Name: "f.sw0", Bind: Local, Section: s, Off: 8})
	b.Reloc(Reloc{Section: s, Off: 4, Sym: "f.sw0", Kind: RelAbs})

	res, err := Link(b.Object())
	require.NoError(t, err)

	got := binary.LittleEndian.Uint32(res.Sections[0].Data[4:])
	assert.Equal(t, uint32(8), got)
}
