package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/project"
)

// InvalidTransitionError is returned for an illegal phase edge.
type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: run %s cannot move %s -> %s", e.RunID, e.From, e.To)
}

// CommentPoster is the mirroring hook invoked after phase transitions.
type CommentPoster interface {
	Post(ctx context.Context, in outbox.MirrorInput) outbox.MirrorResult
}

// Orchestrator drives runs through the phase state machine.
type Orchestrator struct {
	db        *sqlx.DB
	runs      *Store
	events    *events.Store
	jobs      *jobs.Store
	projects  *project.Store
	publisher *bus.Publisher
	mirror    CommentPoster
	logger    *logger.Logger
}

// New assembles an orchestrator. Publisher and mirror may be nil; both
// are post-commit conveniences, never correctness.
func New(conn *sqlx.DB, runs *Store, eventStore *events.Store, jobStore *jobs.Store, projects *project.Store, publisher *bus.Publisher, mirror CommentPoster, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		db:        conn,
		runs:      runs,
		events:    eventStore,
		jobs:      jobStore,
		projects:  projects,
		publisher: publisher,
		mirror:    mirror,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Runs exposes the run store.
func (o *Orchestrator) Runs() *Store { return o.runs }

// TransitionParams are the inputs to TransitionPhase.
type TransitionParams struct {
	RunID       string
	ToPhase     string
	TriggeredBy string
	Reason      string
	Payload     map[string]any
	// IdempotencyKey defaults to phase:<runId>:<from>:<to>:<triggeredBy>.
	IdempotencyKey string
	// MirrorTarget, when set, posts a phase-change comment upstream.
	MirrorTarget string
	// BlockedReason and BlockedContext are written with the phase change
	// itself when ToPhase is blocked, so a blocked run always carries its
	// reason.
	BlockedReason  string
	BlockedContext map[string]any
}

// TransitionPhase applies one phase edge. The event append, sequence
// increment, and phase update share a transaction; the step job, stream
// publish, and mirror run after commit and are non-fatal.
func (o *Orchestrator) TransitionPhase(ctx context.Context, p TransitionParams) (*Run, error) {
	var run *Run
	var fromPhase string
	err := db.WithTx(ctx, o.db, func(tx *sqlx.Tx) error {
		var err error
		run, err = getRunTx(ctx, tx, p.RunID)
		if err != nil {
			return err
		}
		fromPhase = run.Phase
		if !CanTransition(fromPhase, p.ToPhase) {
			return &InvalidTransitionError{RunID: p.RunID, From: fromPhase, To: p.ToPhase}
		}

		key := p.IdempotencyKey
		if key == "" {
			key = fmt.Sprintf("phase:%s:%s:%s:%s", p.RunID, fromPhase, p.ToPhase, p.TriggeredBy)
		}
		payload := map[string]any{
			"from":        fromPhase,
			"to":          p.ToPhase,
			"triggeredBy": p.TriggeredBy,
		}
		if p.Reason != "" {
			payload["reason"] = p.Reason
		}
		for k, v := range p.Payload {
			payload[k] = v
		}
		if _, err := o.events.CreateEventTx(ctx, tx, events.CreateParams{
			ProjectID:      run.ProjectID,
			RunID:          run.ID,
			Type:           "phase.transitioned",
			Class:          events.ClassDecision,
			Payload:        payload,
			IdempotencyKey: key,
			Source:         events.SourceOrchestrator,
		}); err != nil {
			return err
		}

		nextStep := firstStepByPhase[p.ToPhase]
		now := time.Now().UTC()
		var completedAt *time.Time
		if IsTerminal(p.ToPhase) {
			completedAt = &now
			nextStep = ""
		}
		var res sql.Result
		blockedCtxJSON := ""
		if p.ToPhase == PhaseBlocked {
			blockedCtxJSON = "{}"
			if p.BlockedContext != nil {
				if b, merr := json.Marshal(p.BlockedContext); merr == nil {
					blockedCtxJSON = string(b)
				}
			}
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE runs SET phase = ?, step = ?, completed_at = ?,
					blocked_reason = ?, blocked_context = ?, updated_at = ?
				WHERE id = ? AND phase = ?`),
				p.ToPhase, nextStep, completedAt, p.BlockedReason, blockedCtxJSON, now, run.ID, fromPhase)
		} else {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE runs SET phase = ?, step = ?, completed_at = ?, updated_at = ?
				WHERE id = ? AND phase = ?`),
				p.ToPhase, nextStep, completedAt, now, run.ID, fromPhase)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &InvalidTransitionError{RunID: p.RunID, From: fromPhase, To: p.ToPhase}
		}
		if IsTerminal(p.ToPhase) {
			if err := project.ClearActiveRun(ctx, tx, run.TaskID, run.ID); err != nil {
				return err
			}
		}
		run.Phase = p.ToPhase
		run.Step = nextStep
		run.CompletedAt = completedAt
		run.UpdatedAt = now
		if p.ToPhase == PhaseBlocked {
			run.BlockedReason = p.BlockedReason
			run.BlockedContext = blockedCtxJSON
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.afterTransition(ctx, run, fromPhase, p)
	return run, nil
}

// stepQueue routes a step job to its queue: agent-driven steps go to the
// agents queue, everything else to the runs queue.
func stepQueue(step string) string {
	switch step {
	case StepPlannerCreatePlan, StepReviewerPlan, StepImplementer, StepTesterRunTests, StepReviewerCode:
		return jobs.QueueAgents
	default:
		return jobs.QueueRuns
	}
}

// afterTransition runs the post-commit side effects. Failures here are
// logged; the transition itself already happened.
func (o *Orchestrator) afterTransition(ctx context.Context, run *Run, fromPhase string, p TransitionParams) {
	log := o.logger.WithRunID(run.ID)

	if run.Step != "" && o.jobs != nil {
		_, err := o.jobs.CreateJob(ctx, jobs.CreateParams{
			Queue:          stepQueue(run.Step),
			JobType:        "run_step",
			Payload:        map[string]any{"runId": run.ID, "step": run.Step},
			IdempotencyKey: fmt.Sprintf("step:%s:%s:%s", run.ID, run.Phase, run.Step),
			RunID:          run.ID,
			ProjectID:      run.ProjectID,
		})
		if err != nil {
			log.Error("failed to enqueue step job", zap.String("step", run.Step), zap.Error(err))
		}
	}

	// Terminal runs tear down their worktree through the cleanup queue.
	if IsTerminal(run.Phase) && o.jobs != nil {
		_, err := o.jobs.CreateJob(ctx, jobs.CreateParams{
			Queue:          jobs.QueueCleanup,
			JobType:        "run_cleanup",
			Payload:        map[string]any{"runId": run.ID},
			IdempotencyKey: "cleanup:" + run.ID,
			RunID:          run.ID,
			ProjectID:      run.ProjectID,
		})
		if err != nil {
			log.Error("failed to enqueue cleanup job", zap.Error(err))
		}
	}

	if o.publisher != nil {
		o.publisher.Publish(ctx, &bus.StreamEvent{
			Kind:      bus.KindRunPhaseChanged,
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Payload: map[string]any{
				"from": fromPhase,
				"to":   run.Phase,
			},
			CreatedAt: time.Now().UTC(),
		})
	}

	if o.mirror != nil && p.MirrorTarget != "" {
		summary := fmt.Sprintf("Run #%d moved from `%s` to `%s`.", run.RunNumber, fromPhase, run.Phase)
		if p.Reason != "" {
			summary += " Reason: " + p.Reason
		}
		res := o.mirror.Post(ctx, outbox.MirrorInput{
			RunID:          run.ID,
			TargetNodeID:   p.MirrorTarget,
			IdempotencyKey: fmt.Sprintf("phase:%s:%s:%s", run.ID, fromPhase, run.Phase),
			Summary:        summary,
		})
		if res.Error != "" {
			log.Warn("phase mirror failed", zap.String("error", res.Error))
		}
	}
}

// Block moves a run to blocked with a structured reason. The reason and
// context commit with the phase change itself.
func (o *Orchestrator) Block(ctx context.Context, runID, reason string, blockedContext map[string]any, mirrorTarget string) (*Run, error) {
	return o.TransitionPhase(ctx, TransitionParams{
		RunID:          runID,
		ToPhase:        PhaseBlocked,
		TriggeredBy:    "gate",
		Reason:         reason,
		Payload:        map[string]any{"blockedContext": blockedContext},
		BlockedReason:  reason,
		BlockedContext: blockedContext,
		MirrorTarget:   mirrorTarget,
	})
}
