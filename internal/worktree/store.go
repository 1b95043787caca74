package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
)

// Store persists worktrees and port leases.
type Store struct {
	db      *sqlx.DB
	portTTL time.Duration
}

// NewStore creates a worktree store with the default port-lease TTL.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{db: conn, portTTL: DefaultPortLeaseTTL}
}

// NewStoreWithPortTTL creates a worktree store whose port leases expire
// after ttl. Non-positive values fall back to the default.
func NewStoreWithPortTTL(conn *sqlx.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultPortLeaseTTL
	}
	return &Store{db: conn, portTTL: ttl}
}

// Insert persists a new worktree row.
func (s *Store) Insert(ctx context.Context, wt *Worktree) error {
	if wt.ID == "" {
		wt.ID = ids.New(ids.PrefixWorktree)
	}
	now := time.Now().UTC()
	wt.CreatedAt = now
	wt.UpdatedAt = now
	if wt.Status == "" {
		wt.Status = StatusActive
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO worktrees (
			id, run_id, project_id, repo_id, path, branch, base_branch,
			base_commit, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		wt.ID, wt.RunID, wt.ProjectID, wt.RepoID, wt.Path, wt.Branch,
		wt.BaseBranch, wt.BaseCommit, wt.Status, wt.CreatedAt, wt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert worktree: %w", err)
	}
	return nil
}

// Get retrieves a worktree by id.
func (s *Store) Get(ctx context.Context, id string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt, s.db.Rebind(`SELECT * FROM worktrees WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

// GetByRunID retrieves a run's worktree, or nil when none exists.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt, s.db.Rebind(
		`SELECT * FROM worktrees WHERE run_id = ?`), runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

// ListActive returns all active worktrees.
func (s *Store) ListActive(ctx context.Context) ([]*Worktree, error) {
	var out []*Worktree
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM worktrees WHERE status = ? ORDER BY created_at ASC`), StatusActive)
	return out, err
}

// MarkDestroyed flips a worktree to destroyed. Idempotent: destroying a
// destroyed worktree is a no-op.
func (s *Store) MarkDestroyed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET status = ?, destroyed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusDestroyed, now, now, id, StatusActive)
	return err
}

// UpdateHeartbeat stamps last_heartbeat_at.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?`),
		now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocatePort reserves the lowest unused port in [start, end] for the
// project. The partial unique index on (project_id, port) arbitrates
// concurrent allocators; losers move to the next candidate.
func (s *Store) AllocatePort(ctx context.Context, projectID, worktreeID, purpose string, start, end int) (*PortLease, error) {
	if err := validatePortRange(start, end); err != nil {
		return nil, err
	}

	var taken []int
	err := s.db.SelectContext(ctx, &taken, s.db.Rebind(`
		SELECT port FROM port_leases
		WHERE project_id = ? AND is_active = 1 AND port BETWEEN ? AND ?
		ORDER BY port ASC`),
		projectID, start, end)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(taken))
	for _, p := range taken {
		used[p] = true
	}

	now := time.Now().UTC()
	for port := start; port <= end; port++ {
		if used[port] {
			continue
		}
		lease := &PortLease{
			ID:         ids.New("port"),
			ProjectID:  projectID,
			WorktreeID: worktreeID,
			Port:       port,
			Purpose:    purpose,
			IsActive:   true,
			ExpiresAt:  now.Add(s.portTTL),
			CreatedAt:  now,
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO port_leases (id, project_id, worktree_id, port, purpose, is_active, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`),
			lease.ID, lease.ProjectID, lease.WorktreeID, lease.Port, lease.Purpose,
			lease.ExpiresAt, lease.CreatedAt)
		if err != nil {
			// Lost the race on this port; try the next one.
			continue
		}
		return lease, nil
	}
	return nil, ErrNoPortsAvailable
}

// ReleasePort deactivates a lease. Idempotent.
func (s *Store) ReleasePort(ctx context.Context, leaseID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE port_leases SET is_active = 0, released_at = ?
		WHERE id = ? AND is_active = 1`),
		time.Now().UTC(), leaseID)
	return err
}

// ReleaseWorktreePorts deactivates all active leases for a worktree.
func (s *Store) ReleaseWorktreePorts(ctx context.Context, worktreeID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE port_leases SET is_active = 0, released_at = ?
		WHERE worktree_id = ? AND is_active = 1`),
		time.Now().UTC(), worktreeID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReleaseExpiredPortLeases deactivates leases whose expiry has passed.
func (s *Store) ReleaseExpiredPortLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE port_leases SET is_active = 0, released_at = ?
		WHERE is_active = 1 AND expires_at < ?`),
		now.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActivePorts returns a worktree's active leases.
func (s *Store) ListActivePorts(ctx context.Context, worktreeID string) ([]*PortLease, error) {
	var out []*PortLease
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM port_leases WHERE worktree_id = ? AND is_active = 1 ORDER BY port ASC`),
		worktreeID)
	return out, err
}
