// Package ingest turns upstream webhook deliveries into canonical
// events and drives the run-side reactions they imply.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/project"
)

// Processor handles webhook jobs from the webhooks queue.
type Processor struct {
	db       *sqlx.DB
	events   *events.Store
	projects *project.Store
	runs     *orchestrator.Store
	steps    *orchestrator.Steps
	logger   *logger.Logger
}

// NewProcessor assembles a webhook processor. steps may be nil in
// read-only deployments; PR merges are then recorded but not acted on.
func NewProcessor(conn *sqlx.DB, eventStore *events.Store, projects *project.Store, runs *orchestrator.Store, steps *orchestrator.Steps, log *logger.Logger) *Processor {
	return &Processor{
		db:       conn,
		events:   eventStore,
		projects: projects,
		runs:     runs,
		steps:    steps,
		logger:   log.WithFields(zap.String("component", "ingest")),
	}
}

// Enqueue queues a delivery for asynchronous processing. Duplicate
// deliveries collapse on the delivery id.
func Enqueue(ctx context.Context, store *jobs.Store, in events.WebhookInput) (*jobs.Job, error) {
	return store.CreateJob(ctx, jobs.CreateParams{
		Queue:   jobs.QueueWebhooks,
		JobType: "webhook_delivery",
		Payload: map[string]any{
			"deliveryId": in.DeliveryID,
			"eventType":  in.EventType,
			"action":     in.Action,
			"body":       in.Body,
		},
		IdempotencyKey: "webhook:" + in.DeliveryID,
	})
}

type deliveryPayload struct {
	DeliveryID string         `json:"deliveryId"`
	EventType  string         `json:"eventType"`
	Action     string         `json:"action"`
	Body       map[string]any `json:"body"`
}

// JobHandler adapts Process to the webhooks queue.
func (p *Processor) JobHandler() jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) error {
		var d deliveryPayload
		if err := jobs.UnmarshalPayload(job, &d); err != nil {
			return fmt.Errorf("decode webhook payload: %w", err)
		}
		return p.Process(ctx, events.WebhookInput{
			DeliveryID: d.DeliveryID,
			EventType:  d.EventType,
			Action:     d.Action,
			Body:       d.Body,
		})
	}
}

// Process normalizes one delivery, appends the canonical event, and
// applies its side effects. Unrecognized deliveries are skipped.
func (p *Processor) Process(ctx context.Context, in events.WebhookInput) error {
	normalized, handled := events.NormalizeWebhook(in)
	if !handled {
		p.logger.Debug("skipping unrecognized webhook",
			zap.String("event_type", in.EventType), zap.String("action", in.Action))
		return nil
	}

	repo, err := p.resolveRepo(ctx, normalized.RepoNodeID)
	if err != nil {
		return err
	}
	if repo == nil {
		// Deliveries about repos this engine does not manage (and
		// repo-less ones like installation events) have no project to
		// attribute the event to.
		p.logger.Debug("skipping webhook for unmanaged repo",
			zap.String("event_type", normalized.EventType),
			zap.String("repo_node_id", normalized.RepoNodeID))
		return nil
	}
	projectID := repo.ProjectID

	runID := ""
	if normalized.PRNodeID != "" || normalized.IssueNodeID != "" {
		runID = p.resolveRunID(ctx, normalized)
	}

	if _, err := p.events.CreateEvent(ctx, events.CreateParams{
		ProjectID:      projectID,
		RunID:          runID,
		Type:           normalized.EventType,
		Class:          normalized.Class,
		Payload:        normalized.Payload,
		IdempotencyKey: normalized.IdempotencyKey,
		Source:         events.SourceWebhook,
	}); err != nil {
		return err
	}

	return p.applySideEffects(ctx, repo, runID, normalized)
}

// resolveRepo maps the delivery's repository to a bound repo, or nil
// for deliveries about repos this engine does not manage.
func (p *Processor) resolveRepo(ctx context.Context, nodeID string) (*project.Repo, error) {
	if nodeID == "" {
		return nil, nil
	}
	repo, err := p.projects.FindRepoByNodeID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// resolveRunID attaches issue and PR deliveries to the task's active run
// when one exists.
func (p *Processor) resolveRunID(ctx context.Context, n events.Normalized) string {
	if n.IssueNodeID != "" {
		task, err := p.projects.FindTaskByNodeID(ctx, n.IssueNodeID)
		if err == nil && task != nil && task.ActiveRunID != nil {
			return *task.ActiveRunID
		}
	}
	if n.PRNodeID != "" {
		if number := numberField(n.Payload, "number"); number > 0 {
			var runID string
			err := p.db.GetContext(ctx, &runID, p.db.Rebind(`
				SELECT id FROM runs WHERE pr_number = ? AND phase NOT IN ('completed', 'cancelled')
				ORDER BY created_at DESC LIMIT 1`), number)
			if err == nil {
				return runID
			}
			if err != sql.ErrNoRows {
				p.logger.Warn("failed to resolve run for pr", zap.Error(err))
			}
		}
	}
	return ""
}

func (p *Processor) applySideEffects(ctx context.Context, repo *project.Repo, runID string, n events.Normalized) error {
	switch n.EventType {
	case "issue.opened", "issue.edited", "issue.reopened", "issue.closed":
		if repo == nil {
			return nil
		}
		_, err := p.projects.UpsertTaskFromIssue(ctx, repo.ProjectID, repo.ID, project.IssueFields{
			NodeID: n.IssueNodeID,
			Number: int(numberField(n.Payload, "number")),
			Title:  stringField(n.Payload, "title"),
			Body:   stringField(n.Payload, "body"),
			State:  stringField(n.Payload, "state"),
		})
		return err
	case "pr.merged":
		if runID == "" || p.steps == nil {
			return nil
		}
		if err := p.steps.HandlePRMerged(ctx, runID); err != nil {
			// A run that already left awaiting_review is not an
			// ingest failure.
			var ite *orchestrator.InvalidTransitionError
			if errors.As(err, &ite) {
				p.logger.Info("pr merged for run in non-review phase",
					zap.String("run_id", runID), zap.String("phase", ite.From))
				return nil
			}
			return err
		}
		return nil
	case "pr.closed":
		if runID == "" {
			return nil
		}
		return p.runs.SetPRState(ctx, runID, "closed")
	default:
		return nil
	}
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func numberField(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
