// Package events implements the append-only event log: per-run monotonic
// events with idempotency, plus pure normalization of upstream webhooks
// into canonical events.
package events

import (
	"time"
)

// Event classes.
const (
	ClassFact     = "fact"
	ClassDecision = "decision"
	ClassSignal   = "signal"
)

// Event sources.
const (
	SourceWebhook      = "webhook"
	SourceToolLayer    = "tool_layer"
	SourceOrchestrator = "orchestrator"
	SourceOperator     = "operator"
)

// Event is one append-only log entry. Events bound to a run carry a
// strictly increasing per-run sequence; project-scoped events have none.
type Event struct {
	ID             string    `db:"id"`
	ProjectID      string    `db:"project_id"`
	RunID          *string   `db:"run_id"`
	Type           string    `db:"type"`
	Class          string    `db:"class"`
	Payload        string    `db:"payload"`
	Sequence       *int64    `db:"sequence"`
	IdempotencyKey string    `db:"idempotency_key"`
	Source         string    `db:"source"`
	CreatedAt      time.Time `db:"created_at"`
}

// CreateParams are the inputs to Store.CreateEvent.
type CreateParams struct {
	ProjectID      string
	RunID          string // optional
	Type           string
	Class          string
	Payload        map[string]any
	IdempotencyKey string
	Source         string
}
