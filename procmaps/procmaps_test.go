package procmaps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maps = `7a00000000-7a00800000 r--p 00000000 fd:05 1234                       /data/app/~~x/lib/arm64/libgame.so
7a00800000-7a01800000 r-xp 00800000 fd:05 1234                       /data/app/~~x/lib/arm64/libgame.so
7a01800000-7a01900000 rw-p 01800000 fd:05 1234                       /data/app/~~x/lib/arm64/libgame.so
7b00000000-7b00001000 rw-p 00000000 00:00 0                          [anon:libc_malloc]
7c00000000-7c00021000 rw-p 00000000 00:00 0                          [stack]
`

func fixture(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "4242"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "4242", "maps"), []byte(maps), 0o644))
	return dir
}

func TestLoad(t *testing.T) {
	m, err := Load(fixture(t), 4242)
	require.NoError(t, err)

	require.Len(t, m.Modules, 1)
	game := m.FindModuleByName("libgame.so")
	require.NotNil(t, game)
	assert.Equal(t, uint64(0x7a00000000), game.Base)
	assert.Equal(t, uint64(0x1900000), game.Size)

	assert.Len(t, m.Ranges, 5)
	assert.Nil(t, m.FindModuleByAddress(0x7b00000010))
	r := m.FindRangeByAddress(0x7b00000010)
	require.NotNil(t, r)
	assert.Equal(t, "[anon:libc_malloc]", r.File)
	assert.Equal(t, "rw-", r.Protection)
}

func TestLoadMissingPid(t *testing.T) {
	_, err := Load(fixture(t), 1)
	assert.Error(t, err)
}
