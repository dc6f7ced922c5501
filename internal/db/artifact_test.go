package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := NewDB(filepath.Join(t.TempDir(), "artifacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, InitSchema(context.Background(), conn))
	return NewStore(conn)
}

func TestRecordAndLatest(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordArtifact("test.com", "sha256:aaa", "/tmp/a.elf", 100))
	time.Sleep(1100 * time.Millisecond) // created_at has second granularity
	require.NoError(t, store.RecordArtifact("test.com", "sha256:bbb", "live-update", 200))

	latest, err := store.LatestArtifact("test.com")
	require.NoError(t, err)
	assert.Equal(t, "sha256:bbb", latest.Digest)
	assert.Equal(t, "live-update", latest.Source)
	assert.Equal(t, int64(200), latest.SizeBytes)

	all, err := store.ListArtifacts("test.com")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordSameDigestUpserts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordArtifact("test.com", "sha256:aaa", "/tmp/a.elf", 100))
	require.NoError(t, store.RecordArtifact("test.com", "sha256:aaa", "live-update", 100))

	all, err := store.ListArtifacts("test.com")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "live-update", all[0].Source)
}

func TestLatestMissingTenant(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LatestArtifact("nobody.example")
	require.Error(t, err)
}
