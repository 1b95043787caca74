// Package bus provides the stream bus: real-time notifications published
// over NATS (or an in-memory fallback) and persisted for observer replay.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Stream event kinds. Payloads are discriminated by kind.
const (
	KindRunPhaseChanged = "run.phase_changed"
	KindGateEvaluated   = "gate.evaluated"
	KindOperatorAction  = "operator.action"
	KindAgentInvocation = "agent.invocation"
	KindRunUpdated      = "run.updated"
	KindProjectUpdated  = "project.updated"
	KindRefreshRequired = "refresh_required"
)

// ChannelPrefix is the per-project pub/sub channel prefix.
const ChannelPrefix = "conductor:events:"

// Channel returns the pub/sub channel for a project.
func Channel(projectID string) string {
	return ChannelPrefix + projectID
}

// StreamEvent is one ordered, observable notification. ID is assigned by
// the store on persistence; events published after a persistence failure
// carry ID zero.
type StreamEvent struct {
	ID        int64          `json:"id,omitempty"`
	Kind      string         `json:"kind"`
	ProjectID string         `json:"projectId"`
	RunID     string         `json:"runId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Encode marshals the event for the wire.
func (e *StreamEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Handler is a function that handles a stream event.
type Handler func(ctx context.Context, event *StreamEvent) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub transport for stream events.
type EventBus interface {
	// Publish sends an event on a channel. Fire-and-forget.
	Publish(ctx context.Context, channel string, event *StreamEvent) error

	// Subscribe creates a subscription to a channel pattern.
	// Patterns support NATS-style wildcards: * (single token) and > (rest).
	Subscribe(channel string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
