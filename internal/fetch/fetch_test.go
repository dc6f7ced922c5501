package fetch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramFromPlainPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.elf")
	require.NoError(t, os.WriteFile(path, []byte("image"), 0o644))

	res, err := Program(path, "")
	require.NoError(t, err)
	assert.Equal(t, "image", string(res.Body))
	assert.True(t, res.Local)
	assert.False(t, res.Cached)
}

func TestProgramFromFileURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.elf")
	require.NoError(t, os.WriteFile(path, []byte("image"), 0o644))

	res, err := Program("file://"+path, "")
	require.NoError(t, err)
	assert.Equal(t, "image", string(res.Body))
	assert.True(t, res.Local)
}

func TestProgramFetchAndCache(t *testing.T) {
	var sawIMS bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			sawIMS = true
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("remote-image"))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "cache.elf")

	// First fetch: 200, body served and cached.
	res, err := Program(srv.URL, cache)
	require.NoError(t, err)
	assert.Equal(t, "remote-image", string(res.Body))
	assert.False(t, res.Cached)

	cached, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.Equal(t, "remote-image", string(cached))

	// Second fetch: conditional, 304, cache wins.
	res, err = Program(srv.URL, cache)
	require.NoError(t, err)
	assert.True(t, sawIMS, "second fetch must be conditional")
	assert.True(t, res.Cached)
	assert.Equal(t, "remote-image", string(res.Body))
}

func TestProgramBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Program(srv.URL, "")
	require.ErrorIs(t, err, ErrBadStatus)
}

func TestProgramTooShortURI(t *testing.T) {
	_, err := Program("x", "")
	require.ErrorIs(t, err, ErrInvalidURI)
}
