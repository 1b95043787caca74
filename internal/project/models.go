// Package project holds the ownership hierarchy: users own projects,
// projects contain repos, and tasks pin upstream issues into the system.
package project

import "time"

// User owns projects.
type User struct {
	ID          string    `db:"id"`
	DisplayName string    `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// Project is bound to one external organization installation and carries
// the dev-server port pool for its runs.
type Project struct {
	ID                 string    `db:"id"`
	UserID             string    `db:"user_id"`
	Name               string    `db:"name"`
	InstallationID     string    `db:"installation_id"`
	PortRangeStart     int       `db:"port_range_start"`
	PortRangeEnd       int       `db:"port_range_end"`
	DefaultPolicySetID string    `db:"default_policy_set_id"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Repo is an upstream repository bound into a project, with an optional
// local clone path.
type Repo struct {
	ID            string    `db:"id"`
	ProjectID     string    `db:"project_id"`
	NodeID        string    `db:"node_id"`
	Name          string    `db:"name"`
	CloneURL      string    `db:"clone_url"`
	LocalPath     string    `db:"local_path"`
	DefaultBranch string    `db:"default_branch"`
	CreatedAt     time.Time `db:"created_at"`
}

// Task pins an upstream issue (unique by node id) and weakly references
// its current active run.
type Task struct {
	ID             string    `db:"id"`
	ProjectID      string    `db:"project_id"`
	RepoID         string    `db:"repo_id"`
	NodeID         string    `db:"node_id"`
	Number         int       `db:"number"`
	Title          string    `db:"title"`
	Body           string    `db:"body"`
	State          string    `db:"state"`
	ActiveRunID    *string   `db:"active_run_id"`
	NextRunNumber  int       `db:"next_run_number"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
}

// IssueFields is the subset of an upstream issue used to upsert a task.
type IssueFields struct {
	NodeID string
	Number int
	Title  string
	Body   string
	State  string
}
