// Package orchestrator owns the run lifecycle: the authoritative phase
// state machine, the step pipeline, operator actions, and gates.
package orchestrator

import "time"

// Run phases.
const (
	PhasePending              = "pending"
	PhasePlanning             = "planning"
	PhaseAwaitingPlanApproval = "awaiting_plan_approval"
	PhaseExecuting            = "executing"
	PhaseAwaitingReview       = "awaiting_review"
	PhaseBlocked              = "blocked"
	PhaseCompleted            = "completed"
	PhaseCancelled            = "cancelled"
)

// Pipeline steps, in order.
const (
	StepSetupWorktree     = "setup_worktree"
	StepRoute             = "route"
	StepPlannerCreatePlan = "planner_create_plan"
	StepReviewerPlan      = "reviewer_review_plan"
	StepWaitPlanApproval  = "wait_plan_approval"
	StepImplementer       = "implementer_apply_changes"
	StepTesterRunTests    = "tester_run_tests"
	StepReviewerCode      = "reviewer_review_code"
	StepCreatePR          = "create_pr"
	StepWaitPRMerge       = "wait_pr_merge"
	StepCleanup           = "cleanup"
)

// Derived run statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusBlocked  = "blocked"
	StatusFinished = "finished"
)

// Run is one execution of a task.
type Run struct {
	ID                string     `db:"id"`
	TaskID            string     `db:"task_id"`
	ProjectID         string     `db:"project_id"`
	RepoID            string     `db:"repo_id"`
	PolicySetID       string     `db:"policy_set_id"`
	RunNumber         int        `db:"run_number"`
	Phase             string     `db:"phase"`
	Step              string     `db:"step"`
	BaseBranch        string     `db:"base_branch"`
	Branch            string     `db:"branch"`
	NextSequence      int64      `db:"next_sequence"`
	LastEventSequence int64      `db:"last_event_sequence"`
	PausedAt          *time.Time `db:"paused_at"`
	BlockedReason     string     `db:"blocked_reason"`
	BlockedContext    string     `db:"blocked_context"`
	PlanRevisions     int        `db:"plan_revisions"`
	TestFixAttempts   int        `db:"test_fix_attempts"`
	ReviewRounds      int        `db:"review_rounds"`
	PRURL             string     `db:"pr_url"`
	PRNumber          int        `db:"pr_number"`
	PRState           string     `db:"pr_state"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	CompletedAt       *time.Time `db:"completed_at"`
}

// IsTerminal reports whether the phase admits no further transitions.
func IsTerminal(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseCancelled
}

// Status derives the coarse run status used by list views.
func (r *Run) Status() string {
	switch {
	case IsTerminal(r.Phase):
		return StatusFinished
	case r.PausedAt != nil:
		return StatusPaused
	case r.Phase == PhaseBlocked:
		return StatusBlocked
	default:
		return StatusActive
	}
}

// legalTransitions is the full phase edge table.
var legalTransitions = map[string][]string{
	PhasePending:              {PhasePlanning, PhaseCancelled, PhaseBlocked},
	PhasePlanning:             {PhaseAwaitingPlanApproval, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingPlanApproval: {PhaseExecuting, PhasePlanning, PhaseCancelled, PhaseBlocked},
	PhaseExecuting:            {PhaseAwaitingReview, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingReview:       {PhaseExecuting, PhaseCompleted, PhaseBlocked, PhaseCancelled},
	PhaseBlocked: {
		PhasePlanning, PhaseAwaitingPlanApproval, PhaseExecuting,
		PhaseAwaitingReview, PhasePending, PhaseCancelled,
	},
}

// CanTransition reports whether the (from, to) edge is legal.
func CanTransition(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// firstStepByPhase maps a phase entered from the happy path to the step
// the pipeline should run next.
var firstStepByPhase = map[string]string{
	PhasePlanning:             StepSetupWorktree,
	PhaseAwaitingPlanApproval: StepWaitPlanApproval,
	PhaseExecuting:            StepImplementer,
	PhaseAwaitingReview:       StepCreatePR,
}
