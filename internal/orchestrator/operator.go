package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/common/ids"
)

// Operator actions.
const (
	ActionStartRun             = "start_run"
	ActionApprovePlan          = "approve_plan"
	ActionRevisePlan           = "revise_plan"
	ActionRejectRun            = "reject_run"
	ActionRetry                = "retry"
	ActionGrantPolicyException = "grant_policy_exception"
	ActionDenyPolicyException  = "deny_policy_exception"
	ActionPause                = "pause"
	ActionResume               = "resume"
	ActionCancel               = "cancel"
)

// Actor types.
const (
	ActorHuman  = "human"
	ActorSystem = "system"
)

var actionWhitelist = map[string]bool{
	ActionStartRun: true, ActionApprovePlan: true, ActionRevisePlan: true,
	ActionRejectRun: true, ActionRetry: true, ActionGrantPolicyException: true,
	ActionDenyPolicyException: true, ActionPause: true, ActionResume: true,
	ActionCancel: true,
}

// ActionValidationError reports why an operator action was rejected.
type ActionValidationError struct {
	Action string
	Phase  string
	Detail string
}

func (e *ActionValidationError) Error() string {
	return fmt.Sprintf("action %s not valid in phase %s: %s", e.Action, e.Phase, e.Detail)
}

// OperatorAction is one recorded operator decision.
type OperatorAction struct {
	ID               string    `db:"id"`
	RunID            string    `db:"run_id"`
	Action           string    `db:"action"`
	ActorID          string    `db:"actor_id"`
	ActorType        string    `db:"actor_type"`
	ActorDisplayName string    `db:"actor_display_name"`
	Comment          string    `db:"comment"`
	FromPhase        string    `db:"from_phase"`
	ToPhase          string    `db:"to_phase"`
	CreatedAt        time.Time `db:"created_at"`
}

// ActionParams are the inputs to RecordOperatorAction.
type ActionParams struct {
	RunID            string
	Action           string
	ActorID          string
	ActorType        string
	ActorDisplayName string
	Comment          string
	MirrorTarget     string
}

// validateAction checks an action against the run's current state.
func validateAction(run *Run, action string) error {
	reject := func(detail string) error {
		return &ActionValidationError{Action: action, Phase: run.Phase, Detail: detail}
	}
	switch action {
	case ActionStartRun:
		if run.Phase != PhasePending {
			return reject("requires phase " + PhasePending)
		}
	case ActionApprovePlan, ActionRevisePlan, ActionRejectRun:
		if run.Phase != PhaseAwaitingPlanApproval {
			return reject("requires phase " + PhaseAwaitingPlanApproval)
		}
	case ActionRetry, ActionGrantPolicyException, ActionDenyPolicyException:
		if run.Phase != PhaseBlocked {
			return reject("requires phase " + PhaseBlocked)
		}
	case ActionPause:
		switch run.Phase {
		case PhasePending, PhasePlanning, PhaseAwaitingPlanApproval, PhaseExecuting, PhaseAwaitingReview:
		default:
			return reject("phase cannot be paused")
		}
		if run.PausedAt != nil {
			return reject("already paused")
		}
	case ActionResume:
		if run.PausedAt == nil {
			return reject("not paused")
		}
	case ActionCancel:
		if IsTerminal(run.Phase) {
			return reject("run already finished")
		}
	default:
		return fmt.Errorf("unknown operator action %q", action)
	}
	return nil
}

// RecordOperatorAction validates, persists, and applies an operator
// action. Actions that map to phase edges drive TransitionPhase; pause
// and resume only toggle the pause marker.
func (o *Orchestrator) RecordOperatorAction(ctx context.Context, p ActionParams) (*OperatorAction, error) {
	if !actionWhitelist[p.Action] {
		return nil, fmt.Errorf("unknown operator action %q", p.Action)
	}
	run, err := o.runs.GetRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if err := validateAction(run, p.Action); err != nil {
		return nil, err
	}

	action := &OperatorAction{
		ID:               ids.New(ids.PrefixAction),
		RunID:            p.RunID,
		Action:           p.Action,
		ActorID:          p.ActorID,
		ActorType:        p.ActorType,
		ActorDisplayName: p.ActorDisplayName,
		Comment:          p.Comment,
		FromPhase:        run.Phase,
		CreatedAt:        time.Now().UTC(),
	}

	toPhase, counter := actionEffect(run, p.Action)
	action.ToPhase = toPhase

	if toPhase != "" {
		if _, err := o.TransitionPhase(ctx, TransitionParams{
			RunID:        p.RunID,
			ToPhase:      toPhase,
			TriggeredBy:  "operator:" + p.Action,
			Reason:       p.Comment,
			MirrorTarget: p.MirrorTarget,
		}); err != nil {
			return nil, err
		}
		if counter != "" {
			if err := o.runs.IncrementCounter(ctx, p.RunID, counter); err != nil {
				return nil, err
			}
		}
	}

	switch p.Action {
	case ActionPause:
		now := time.Now().UTC()
		if err := o.runs.SetPaused(ctx, p.RunID, &now); err != nil {
			return nil, err
		}
	case ActionResume:
		if err := o.runs.SetPaused(ctx, p.RunID, nil); err != nil {
			return nil, err
		}
	}

	_, err = o.db.ExecContext(ctx, o.db.Rebind(`
		INSERT INTO operator_actions (
			id, run_id, action, actor_id, actor_type, actor_display_name,
			comment, from_phase, to_phase, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		action.ID, action.RunID, action.Action, action.ActorID, action.ActorType,
		action.ActorDisplayName, action.Comment, action.FromPhase, action.ToPhase,
		action.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert operator action: %w", err)
	}

	if o.publisher != nil {
		o.publisher.Publish(ctx, &bus.StreamEvent{
			Kind:      bus.KindOperatorAction,
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Payload: map[string]any{
				"action":  p.Action,
				"actorId": p.ActorID,
			},
			CreatedAt: time.Now().UTC(),
		})
	}

	o.logger.WithRunID(p.RunID).Info("operator action recorded",
		zap.String("action", p.Action), zap.String("actor_id", p.ActorID))
	return action, nil
}

// actionEffect maps an action to the phase it drives and the counter it
// bumps, if any.
func actionEffect(run *Run, action string) (toPhase, counter string) {
	switch action {
	case ActionStartRun:
		return PhasePlanning, ""
	case ActionApprovePlan:
		return PhaseExecuting, ""
	case ActionRevisePlan:
		return PhasePlanning, "plan_revisions"
	case ActionRejectRun, ActionCancel:
		return PhaseCancelled, ""
	case ActionRetry, ActionGrantPolicyException:
		return retryTargetPhase(run), ""
	case ActionDenyPolicyException:
		return PhaseCancelled, ""
	default:
		return "", ""
	}
}

// retryTargetPhase picks where a blocked run resumes. The blocking
// transition recorded the prior phase in blockedContext when available.
func retryTargetPhase(run *Run) string {
	var blockedCtx struct {
		RetryPhase string `json:"retryPhase"`
	}
	if run.BlockedContext != "" {
		if err := json.Unmarshal([]byte(run.BlockedContext), &blockedCtx); err == nil && blockedCtx.RetryPhase != "" {
			if CanTransition(PhaseBlocked, blockedCtx.RetryPhase) {
				return blockedCtx.RetryPhase
			}
		}
	}
	return PhasePlanning
}

// ListActions returns a run's operator actions, oldest first.
func (o *Orchestrator) ListActions(ctx context.Context, runID string) ([]*OperatorAction, error) {
	var out []*OperatorAction
	err := o.db.SelectContext(ctx, &out, o.db.Rebind(`
		SELECT * FROM operator_actions WHERE run_id = ? ORDER BY created_at ASC`), runID)
	return out, err
}
