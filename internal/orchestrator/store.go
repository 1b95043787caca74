package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/db"
	"github.com/cswenor/conductor/internal/project"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store persists runs.
type Store struct {
	db       *sqlx.DB
	projects *project.Store
}

// NewStore creates a run store.
func NewStore(conn *sqlx.DB, projects *project.Store) *Store {
	return &Store{db: conn, projects: projects}
}

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	TaskID      string
	ProjectID   string
	RepoID      string
	PolicySetID string
	BaseBranch  string
}

// CreateRun allocates the task's next run number and inserts the run in
// one transaction, then marks it the task's active run.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	if p.PolicySetID == "" {
		p.PolicySetID = "default"
	}
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	now := time.Now().UTC()
	run := &Run{
		ID:             ids.New(ids.PrefixRun),
		TaskID:         p.TaskID,
		ProjectID:      p.ProjectID,
		RepoID:         p.RepoID,
		PolicySetID:    p.PolicySetID,
		Phase:          PhasePending,
		BaseBranch:     p.BaseBranch,
		NextSequence:   1,
		BlockedContext: "{}",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		number, err := s.projects.ConsumeRunNumber(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		run.RunNumber = number
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO runs (
				id, task_id, project_id, repo_id, policy_set_id, run_number,
				phase, step, base_branch, branch, next_sequence, last_event_sequence,
				blocked_reason, blocked_context, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, '', ?, 0, '', '{}', ?, ?)`),
			run.ID, run.TaskID, run.ProjectID, run.RepoID, run.PolicySetID,
			run.RunNumber, run.Phase, run.BaseBranch, run.NextSequence,
			run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.projects.SetActiveRun(ctx, p.TaskID, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, s.db.Rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func getRunTx(ctx context.Context, tx *sqlx.Tx, id string) (*Run, error) {
	var run Run
	err := tx.GetContext(ctx, &run, tx.Rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListByPhase returns runs currently in a phase, oldest first.
func (s *Store) ListByPhase(ctx context.Context, phase string) ([]*Run, error) {
	var out []*Run
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM runs WHERE phase = ? ORDER BY created_at ASC`), phase)
	return out, err
}

// SetStep records the run's current pipeline step.
func (s *Store) SetStep(ctx context.Context, runID, step string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET step = ?, updated_at = ? WHERE id = ?`),
		step, time.Now().UTC(), runID)
	return err
}

// SetBranch records the worktree branch once it exists.
func (s *Store) SetBranch(ctx context.Context, runID, branch string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET branch = ?, updated_at = ? WHERE id = ?`),
		branch, time.Now().UTC(), runID)
	return err
}

// SetPullRequest records the upstream PR once the outbox write completes.
func (s *Store) SetPullRequest(ctx context.Context, runID, url string, number int, state string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET pr_url = ?, pr_number = ?, pr_state = ?, updated_at = ?
		WHERE id = ?`),
		url, number, state, time.Now().UTC(), runID)
	return err
}

// SetPRState updates the PR state reported by inbound webhooks.
func (s *Store) SetPRState(ctx context.Context, runID, state string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET pr_state = ?, updated_at = ? WHERE id = ?`),
		state, time.Now().UTC(), runID)
	return err
}

// SetPaused sets or clears the pause marker.
func (s *Store) SetPaused(ctx context.Context, runID string, pausedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET paused_at = ?, updated_at = ? WHERE id = ?`),
		pausedAt, time.Now().UTC(), runID)
	return err
}

// IncrementCounter bumps one of the run's attempt counters.
func (s *Store) IncrementCounter(ctx context.Context, runID, column string) error {
	switch column {
	case "plan_revisions", "test_fix_attempts", "review_rounds":
	default:
		return fmt.Errorf("unknown run counter %q", column)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`
		UPDATE runs SET %s = %s + 1, updated_at = ? WHERE id = ?`, column, column)),
		time.Now().UTC(), runID)
	return err
}
