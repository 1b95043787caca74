package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/redact"
)

// Artifact types.
const (
	ArtifactPlan       = "plan"
	ArtifactReview     = "review"
	ArtifactTestReport = "test_report"
)

// Artifact validation statuses.
const (
	ValidationPending = "pending"
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// Artifact is one versioned step output.
type Artifact struct {
	ID               string    `db:"id"`
	RunID            string    `db:"run_id"`
	Type             string    `db:"type"`
	Version          int       `db:"version"`
	Content          string    `db:"content"`
	Checksum         string    `db:"checksum"`
	ValidationStatus string    `db:"validation_status"`
	CreatedAt        time.Time `db:"created_at"`
}

// SaveArtifact appends the next version of an artifact type for a run.
func (s *Store) SaveArtifact(ctx context.Context, runID, artifactType, content string) (*Artifact, error) {
	var maxVersion sql.NullInt64
	err := s.db.GetContext(ctx, &maxVersion, s.db.Rebind(`
		SELECT MAX(version) FROM artifacts WHERE run_id = ? AND type = ?`),
		runID, artifactType)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		ID:               ids.New(ids.PrefixArtifact),
		RunID:            runID,
		Type:             artifactType,
		Version:          int(maxVersion.Int64) + 1,
		Content:          content,
		Checksum:         redact.Hash(content),
		ValidationStatus: ValidationPending,
		CreatedAt:        time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (id, run_id, type, version, content, checksum, validation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RunID, a.Type, a.Version, a.Content, a.Checksum, a.ValidationStatus, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// LatestArtifact returns the newest version of a type, or nil.
func (s *Store) LatestArtifact(ctx context.Context, runID, artifactType string) (*Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, s.db.Rebind(`
		SELECT * FROM artifacts WHERE run_id = ? AND type = ?
		ORDER BY version DESC LIMIT 1`),
		runID, artifactType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetArtifactValidation records a validation verdict.
func (s *Store) SetArtifactValidation(ctx context.Context, artifactID, status string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE artifacts SET validation_status = ? WHERE id = ?`),
		status, artifactID)
	return err
}

// ListArtifacts returns all artifact versions for a run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	var out []*Artifact
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM artifacts WHERE run_id = ? ORDER BY type ASC, version ASC`), runID)
	return out, err
}
