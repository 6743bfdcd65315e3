package elfnote

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(name string, typ uint32, desc []byte) []byte {
	var b bytes.Buffer
	n := append([]byte(name), 0)
	binary.Write(&b, binary.LittleEndian, uint32(len(n)))
	binary.Write(&b, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&b, binary.LittleEndian, typ)
	b.Write(n)
	b.Write(make([]byte, align4(uint32(len(n)))-uint64(len(n))))
	b.Write(desc)
	b.Write(make([]byte, align4(uint32(len(desc)))-uint64(len(desc))))
	return b.Bytes()
}

func androidIdent(api uint32, version, build string) []byte {
	desc := make([]byte, 4+128)
	binary.LittleEndian.PutUint32(desc, api)
	copy(desc[4:], version)
	copy(desc[4+64:], build)
	return desc
}

func TestParseNotes(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	data := append(note("GNU", noteGNUBuildID, id), note("Android", noteAndroidIdent, androidIdent(21, "r21e", "7075529"))...)

	notes, err := ParseNotes(data, binary.LittleEndian)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "GNU", notes[0].Name)
	assert.Equal(t, id, notes[0].Desc)

	var info Info
	info.apply(notes, binary.LittleEndian)
	assert.Equal(t, "deadbeef01", info.BuildID)
	assert.Equal(t, uint32(21), info.AndroidAPI)
	assert.Equal(t, "r21e", info.NDKVersion)
	assert.Equal(t, "7075529", info.NDKBuildNum)
}

func TestParseNotesTruncated(t *testing.T) {
	data := note("GNU", noteGNUBuildID, make([]byte, 20))
	_, err := ParseNotes(data[:len(data)-4], binary.LittleEndian)
	assert.Error(t, err)
	_, err = ParseNotes([]byte{1, 2, 3}, binary.LittleEndian)
	assert.Error(t, err)
}

func TestOldAndroidIdent(t *testing.T) {
	// pre r14 notes only carry the api level
	desc := make([]byte, 4)
	binary.LittleEndian.PutUint32(desc, 16)
	notes, err := ParseNotes(note("Android", noteAndroidIdent, desc), binary.LittleEndian)
	require.NoError(t, err)

	var info Info
	info.apply(notes, binary.LittleEndian)
	assert.Equal(t, uint32(16), info.AndroidAPI)
	assert.Empty(t, info.NDKVersion)
}

func TestReadNotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libgame.so")
	require.NoError(t, os.WriteFile(path, []byte("not an elf"), 0o644))
	_, err := Read(path)
	assert.Error(t, err)
}

func TestReadSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	info, err := Read(exe)
	if err != nil {
		require.True(t, errors.Is(err, ErrNoNotes), err)
	}
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Arch)
}
