package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to users, projects, repos, and tasks.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a project store over an already-migrated database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, displayName string) (*User, error) {
	u := &User{
		ID:          ids.New(ids.PrefixUser),
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`),
		u.ID, u.DisplayName, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// CreateProject inserts a new project owned by a user.
func (s *Store) CreateProject(ctx context.Context, userID, name, installationID string, portStart, portEnd int) (*Project, error) {
	now := time.Now().UTC()
	p := &Project{
		ID:                 ids.New(ids.PrefixProject),
		UserID:             userID,
		Name:               name,
		InstallationID:     installationID,
		PortRangeStart:     portStart,
		PortRangeEnd:       portEnd,
		DefaultPolicySetID: "default",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (
			id, user_id, name, installation_id,
			port_range_start, port_range_end, default_policy_set_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.Name, p.InstallationID,
		p.PortRangeStart, p.PortRangeEnd, p.DefaultPolicySetID,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateRepo binds an upstream repository into a project.
func (s *Store) CreateRepo(ctx context.Context, projectID, nodeID, name, cloneURL, defaultBranch string) (*Repo, error) {
	r := &Repo{
		ID:            ids.New(ids.PrefixRepo),
		ProjectID:     projectID,
		NodeID:        nodeID,
		Name:          name,
		CloneURL:      cloneURL,
		DefaultBranch: defaultBranch,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repos (id, project_id, node_id, name, clone_url, local_path, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`),
		r.ID, r.ProjectID, r.NodeID, r.Name, r.CloneURL, r.DefaultBranch, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return r, nil
}

// GetRepo retrieves a repo by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*Repo, error) {
	var r Repo
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT * FROM repos WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindRepoByNodeID retrieves a repo by its upstream node id, or nil.
func (s *Store) FindRepoByNodeID(ctx context.Context, nodeID string) (*Repo, error) {
	var r Repo
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT * FROM repos WHERE node_id = ?`), nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetRepoLocalPath records where a repo has been cloned on disk.
func (s *Store) SetRepoLocalPath(ctx context.Context, repoID, localPath string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE repos SET local_path = ? WHERE id = ?`), localPath, repoID)
	return err
}

// UpsertTaskFromIssue pins an upstream issue into the system. Tasks are
// unique by node id: a repeat call with unchanged fields leaves created_at
// stable and bumps only updated_at/last_activity_at.
func (s *Store) UpsertTaskFromIssue(ctx context.Context, projectID, repoID string, issue IssueFields) (*Task, error) {
	now := time.Now().UTC()

	existing, err := s.FindTaskByNodeID(ctx, issue.NodeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE tasks SET number = ?, title = ?, body = ?, state = ?,
				updated_at = ?, last_activity_at = ?
			WHERE id = ?`),
			issue.Number, issue.Title, issue.Body, issue.State, now, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		return s.GetTask(ctx, existing.ID)
	}

	t := &Task{
		ID:             ids.New(ids.PrefixTask),
		ProjectID:      projectID,
		RepoID:         repoID,
		NodeID:         issue.NodeID,
		Number:         issue.Number,
		Title:          issue.Title,
		Body:           issue.Body,
		State:          issue.State,
		NextRunNumber:  1,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (
			id, project_id, repo_id, node_id, number, title, body, state,
			active_run_id, next_run_number, created_at, updated_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, ?, ?, ?)`),
		t.ID, t.ProjectID, t.RepoID, t.NodeID, t.Number, t.Title, t.Body, t.State,
		t.CreatedAt, t.UpdatedAt, t.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTaskByNodeID retrieves a task by its upstream node id, or nil.
func (s *Store) FindTaskByNodeID(ctx context.Context, nodeID string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT * FROM tasks WHERE node_id = ?`), nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeRunNumber atomically assigns the next per-task run number.
func (s *Store) ConsumeRunNumber(ctx context.Context, tx *sqlx.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		UPDATE tasks SET next_run_number = next_run_number + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING next_run_number - 1`), taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("consume run number for task %s: %w", taskID, err)
	}
	return n, nil
}

// SetActiveRun records the task's current active run.
func (s *Store) SetActiveRun(ctx context.Context, taskID, runID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET active_run_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`),
		runID, taskID)
	return err
}

// ClearActiveRun clears the task's active run pointer, but only when it
// still points at the given run. The pointer is a non-owning hint that may
// lag by one transaction.
func ClearActiveRun(ctx context.Context, tx *sqlx.Tx, taskID, runID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET active_run_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND active_run_id = ?`), taskID, runID)
	return err
}
