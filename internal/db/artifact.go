package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Artifact is one loaded program image.
type Artifact struct {
	ID        string // UUID of this record
	Tenant    string // tenant the image was loaded for
	Digest    string // content digest of the image
	Source    string // filename, uri, or "live-update"
	SizeBytes int64
	CreatedAt time.Time
}

// Store wraps the index for the sandbox runtime.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// RecordArtifact upserts an image record. A re-upload of the same
// bytes refreshes source and timestamp instead of duplicating.
func (s *Store) RecordArtifact(tenant, digest, source string, size int64) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO artifacts (id, tenant, digest, source, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, digest) DO UPDATE SET source = excluded.source, created_at = excluded.created_at
	`
	_, err = s.db.Exec(query, id.String(), tenant, digest, source, size, time.Now().Unix())
	return err
}

// LatestArtifact retrieves the most recent image for a tenant.
func (s *Store) LatestArtifact(tenant string) (*Artifact, error) {
	query := `
		SELECT id, tenant, digest, source, size_bytes, created_at
		FROM artifacts WHERE tenant = ? ORDER BY created_at DESC LIMIT 1
	`
	row := s.db.QueryRow(query, tenant)

	var createdAt int64
	artifact := &Artifact{}
	err := row.Scan(&artifact.ID, &artifact.Tenant, &artifact.Digest,
		&artifact.Source, &artifact.SizeBytes, &createdAt)
	if err != nil {
		return nil, err
	}
	artifact.CreatedAt = time.Unix(createdAt, 0)
	return artifact, nil
}

// ListArtifacts retrieves every image recorded for a tenant, newest
// first.
func (s *Store) ListArtifacts(tenant string) ([]*Artifact, error) {
	query := `
		SELECT id, tenant, digest, source, size_bytes, created_at
		FROM artifacts WHERE tenant = ? ORDER BY created_at DESC
	`
	rows, err := s.db.Query(query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var createdAt int64
		artifact := &Artifact{}
		if err := rows.Scan(&artifact.ID, &artifact.Tenant, &artifact.Digest,
			&artifact.Source, &artifact.SizeBytes, &createdAt); err != nil {
			return nil, err
		}
		artifact.CreatedAt = time.Unix(createdAt, 0)
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}
