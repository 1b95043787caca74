package db

import "fmt"

// Migration is one forward-only schema step. Versions are applied in
// ascending order and recorded in schema_migrations; there is no down path.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the ordered migration list for the given driver.
func Migrations(driver string) []Migration {
	return []Migration{
		{Version: 1, Name: "core", SQL: coreSchema(driver)},
		{Version: 2, Name: "mirror_deferred_events", SQL: mirrorSchema(driver)},
	}
}

func coreSchema(driver string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	installation_id TEXT NOT NULL DEFAULT '',
	port_range_start INTEGER NOT NULL DEFAULT 3100,
	port_range_end INTEGER NOT NULL DEFAULT 3199,
	default_policy_set_id TEXT NOT NULL DEFAULT 'default',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);

CREATE TABLE IF NOT EXISTS repos (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	node_id TEXT NOT NULL,
	name TEXT NOT NULL,
	clone_url TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repos_project_id ON repos(project_id);
CREATE INDEX IF NOT EXISTS idx_repos_node_id ON repos(node_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	repo_id TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	node_id TEXT NOT NULL UNIQUE,
	number INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	active_run_id TEXT,
	next_run_number INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	project_id TEXT NOT NULL REFERENCES projects(id),
	repo_id TEXT NOT NULL REFERENCES repos(id),
	policy_set_id TEXT NOT NULL,
	run_number INTEGER NOT NULL,
	phase TEXT NOT NULL DEFAULT 'pending',
	step TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	next_sequence INTEGER NOT NULL DEFAULT 1,
	last_event_sequence INTEGER NOT NULL DEFAULT 0,
	paused_at TIMESTAMP,
	blocked_reason TEXT NOT NULL DEFAULT '',
	blocked_context TEXT NOT NULL DEFAULT '{}',
	plan_revisions INTEGER NOT NULL DEFAULT 0,
	test_fix_attempts INTEGER NOT NULL DEFAULT 0,
	review_rounds INTEGER NOT NULL DEFAULT 0,
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	pr_state TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	UNIQUE(task_id, run_number)
);
CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_project_id ON runs(project_id);
CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	class TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	sequence INTEGER,
	idempotency_key TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(run_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	content TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	validation_status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(run_id, type, version)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	job_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 0,
	claimed_by TEXT,
	claimed_at TIMESTAMP,
	lease_expires_at TIMESTAMP,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	next_retry_at TIMESTAMP,
	run_id TEXT,
	project_id TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status);
CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_invocations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	agent TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'started',
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_invocations_run_id ON agent_invocations(run_id);

CREATE TABLE IF NOT EXISTS agent_messages (
	id TEXT PRIMARY KEY,
	invocation_id TEXT NOT NULL REFERENCES agent_invocations(id) ON DELETE CASCADE,
	run_id TEXT NOT NULL,
	turn_index INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	content_size_bytes INTEGER NOT NULL DEFAULT 0,
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	stop_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(invocation_id, turn_index)
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	invocation_id TEXT NOT NULL REFERENCES agent_invocations(id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	args_redacted TEXT NOT NULL DEFAULT '{}',
	payload_hash TEXT NOT NULL DEFAULT '',
	policy_id TEXT REFERENCES policies(id),
	policy_decision TEXT NOT NULL DEFAULT 'allow',
	status TEXT NOT NULL DEFAULT 'started',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_run_id ON tool_invocations(run_id);

CREATE TABLE IF NOT EXISTS operator_actions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_display_name TEXT NOT NULL DEFAULT '',
	comment TEXT NOT NULL DEFAULT '',
	from_phase TEXT NOT NULL DEFAULT '',
	to_phase TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operator_actions_run_id ON operator_actions(run_id);

CREATE TABLE IF NOT EXISTS github_writes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	target_node_id TEXT NOT NULL,
	target_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	payload_hash TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'queued',
	retry_count INTEGER NOT NULL DEFAULT 0,
	sent_at TIMESTAMP,
	external_id TEXT NOT NULL DEFAULT '',
	external_url TEXT NOT NULL DEFAULT '',
	last_error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_github_writes_status ON github_writes(status);
CREATE INDEX IF NOT EXISTS idx_github_writes_run_id ON github_writes(run_id);

CREATE TABLE IF NOT EXISTS stream_events (
	id %s,
	kind TEXT NOT NULL,
	project_id TEXT NOT NULL,
	run_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_events_project_id ON stream_events(project_id, id);

CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	path TEXT NOT NULL,
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	base_commit TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	last_heartbeat_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	destroyed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS port_leases (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	worktree_id TEXT NOT NULL REFERENCES worktrees(id) ON DELETE CASCADE,
	port INTEGER NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	released_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_port_leases_active
	ON port_leases(project_id, port) WHERE is_active = 1;
`, AutoPK(driver))
}

func mirrorSchema(driver string) string {
	_ = driver
	return `
CREATE TABLE IF NOT EXISTS mirror_deferred_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idempotency_key TEXT NOT NULL UNIQUE,
	summary TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mirror_deferred_run_id ON mirror_deferred_events(run_id);
`
}
