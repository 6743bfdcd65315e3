package ghidra

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMap() *ModuleMap {
	return NewModuleMap(
		[]Module{
			{Name: "libgame.so", Path: "/data/app/lib/arm64/libgame.so", Base: 0x7a00000000, Size: 0x2000000},
			{Name: "libc.so", Path: "/apex/com.android.runtime/lib64/bionic/libc.so", Base: 0x7b00000000, Size: 0x100000},
		},
		[]Range{
			{Base: 0x7a00000000, Size: 0x2000000, Protection: "r-x", File: "/data/app/lib/arm64/libgame.so"},
			{Base: 0x7c00000000, Size: 0x1000, Protection: "rw-"},
		},
	)
}

func testTranslator(infos ModuleInfos) (*Translator, *memory.Handler) {
	h := memory.New()
	tr := NewTranslator(ArchArm64, infos, testMap())
	tr.Log = &log.Logger{Handler: h, Level: log.DebugLevel}
	return tr, h
}

func TestDefaultBase(t *testing.T) {
	for arch, want := range map[Arch]uint64{
		ArchArm:   0x10000,
		ArchArm64: 0x100000,
		ArchIA32:  0x400000,
	} {
		got, err := DefaultBase(arch)
		require.NoError(t, err, arch)
		assert.Equal(t, want, got, arch)
	}
	for _, arch := range []Arch{"x64", "mips", ""} {
		_, err := DefaultBase(arch)
		assert.True(t, errors.Is(err, ErrUnsupportedArch), arch)
	}
}

func TestToGhidraOverride(t *testing.T) {
	base := uint64(0x200000)
	tr, h := testTranslator(ModuleInfos{"libgame.so": {GhidraBase: &base}})

	off, err := tr.ToGhidra(0x7a00001234, "libgame.so")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x201234), off)
	assert.Empty(t, h.Entries)
}

func TestToGhidraDefaultWarns(t *testing.T) {
	tr, h := testTranslator(nil)

	off, err := tr.ToGhidra(0x7a00001234, "libgame.so")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x101234), off)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, log.WarnLevel, h.Entries[0].Level)
	assert.Equal(t, "libgame.so", h.Entries[0].Fields.Get("module"))
}

func TestToGhidraByAddress(t *testing.T) {
	tr, _ := testTranslator(nil)

	off, err := tr.ToGhidra(0x7b00000010, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100010), off)
}

func TestToGhidraUnknownModule(t *testing.T) {
	tr, _ := testTranslator(nil)

	_, err := tr.ToGhidra(0x7a00001234, "libmissing.so")
	var nf *ModuleNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "libmissing.so", nf.Name)
	assert.Contains(t, err.Error(), "libmissing.so")

	_, err = tr.ToGhidra(0x1000, "")
	require.True(t, errors.As(err, &nf))

	_, err = tr.ToRuntime("libmissing.so", 0x101234)
	require.True(t, errors.As(err, &nf))
}

func TestUnsupportedArchFails(t *testing.T) {
	tr, _ := testTranslator(nil)
	tr.Arch = "x64"

	_, err := tr.ToGhidra(0x7a00001234, "libgame.so")
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
	_, err = tr.ToRuntime("libgame.so", 0x101234)
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
}

func TestRoundTrip(t *testing.T) {
	override := uint64(0x10000)
	for _, infos := range []ModuleInfos{nil, {"libgame.so": {GhidraBase: &override}}} {
		tr, _ := testTranslator(infos)
		for _, p := range []uint64{0x7a00000000, 0x7a00001234, 0x7a01ffffff} {
			off, err := tr.ToGhidra(p, "libgame.so")
			require.NoError(t, err)
			rt, err := tr.ToRuntime("libgame.so", off)
			require.NoError(t, err)
			assert.Equal(t, p, rt)
			again, err := tr.ToGhidra(rt, "libgame.so")
			require.NoError(t, err)
			assert.Equal(t, off, again)
		}
	}
}

func TestSymbol(t *testing.T) {
	tr, _ := testTranslator(ModuleInfos{
		"libgame.so": {Symbols: map[string]Symbol{"log": {GhidraOffset: 0x1661b40}}},
	})

	p, err := tr.Symbol("libgame.so", "log")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7a00000000+0x1561b40), p)

	_, err = tr.Symbol("libgame.so", "nope")
	assert.Error(t, err)
}

func TestModuleMapLookups(t *testing.T) {
	m := testMap()

	assert.Nil(t, m.FindModuleByAddress(0x10))
	assert.Nil(t, m.FindModuleByAddress(0x7a02000000))
	require.NotNil(t, m.FindModuleByAddress(0x7a01ffffff))
	assert.Equal(t, "libgame.so", m.FindModuleByAddress(0x7a01ffffff).Name)

	r := m.FindRangeByAddress(0x7c00000800)
	require.NotNil(t, r)
	assert.True(t, r.Contains(0x7c00000800))

	// nearest known range below an unmapped address
	r = m.FindRangeByAddress(0x7d00000000)
	require.NotNil(t, r)
	assert.Equal(t, uint64(0x7c00000000), r.Base)
	assert.False(t, r.Contains(0x7d00000000))

	assert.Nil(t, m.FindRangeByAddress(0x1000))
}
