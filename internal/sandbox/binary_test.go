package sandbox

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryTypeDetection(t *testing.T) {
	static := NewBinary(makeStaticELF(0x400000, 0))
	bt, err := static.Type()
	require.NoError(t, err)
	assert.Equal(t, BinaryStatic, bt)
	assert.Equal(t, "static", bt.String())

	// ET_DYN without an interpreter is a static PIE.
	pie := makeStaticELF(0x1000, 0)
	binary.LittleEndian.PutUint16(pie[16:], 3) // ET_DYN
	bt, err = NewBinary(pie).Type()
	require.NoError(t, err)
	assert.Equal(t, BinaryStaticPIE, bt)
}

func TestBinaryTooSmall(t *testing.T) {
	_, err := NewBinary([]byte("tiny")).Type()
	require.ErrorIs(t, err, ErrInvalidProgram)
}

func TestBinaryDigestIsStable(t *testing.T) {
	a := NewBinary(makeStaticELF(0x400000, 7))
	b := NewBinary(makeStaticELF(0x400000, 7))
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Equal(t, a.Digest(), a.Digest(), "digest is memoized")

	c := NewBinary(makeStaticELF(0x400000, 8))
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestMapBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog")
	content := makeStaticELF(0x400000, 3)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	bin, err := MapBinary(path)
	require.NoError(t, err)
	defer bin.Close()

	assert.Equal(t, content, bin.Bytes())
	assert.Equal(t, len(content), bin.Len())
	require.NoError(t, bin.Close())
	require.NoError(t, bin.Close(), "double close is a no-op")
}

func TestDetectGigapage(t *testing.T) {
	// Static image: entry's top bits decide the base.
	entry := uint64(5)<<30 | 0x1000
	bin := NewBinary(makeStaticELF(entry, 0))
	base, err := detectGigapage(bin, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5)<<30, base)

	// Low entry point lands at base zero.
	base, err = detectGigapage(NewBinary(makeStaticELF(0x400000, 0)), 0)
	require.NoError(t, err)
	assert.Zero(t, base)

	// A dylink hint only matters for non-static images.
	pie := makeStaticELF(0x1000, 0)
	binary.LittleEndian.PutUint16(pie[16:], 3) // ET_DYN
	base, err = detectGigapage(NewBinary(pie), 3<<30)
	require.NoError(t, err)
	assert.Equal(t, uint64(3)<<30, base)

	// Entry above 64 GiB is rejected.
	_, err = detectGigapage(NewBinary(makeStaticELF(uint64(65)<<30, 0)), 0)
	require.ErrorIs(t, err, ErrInvalidProgram)
}
