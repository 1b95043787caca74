// Package github defines the upstream write surface used by the outbox
// worker and mirroring. The engine never writes upstream directly; every
// write flows through a durable outbox row and one of these clients.
package github

import (
	"context"
	"fmt"
)

// Write kinds accepted by the outbox.
const (
	KindComment            = "comment"
	KindPullRequest        = "pull_request"
	KindCheckRun           = "check_run"
	KindBranch             = "branch"
	KindLabel              = "label"
	KindReview             = "review"
	KindProjectFieldUpdate = "project_field_update"
)

// WriteRequest is one upstream mutation.
type WriteRequest struct {
	Kind         string
	TargetNodeID string
	Payload      map[string]any
}

// WriteResult carries upstream identifiers back for persistence.
type WriteResult struct {
	// NodeID of the created or updated resource, when the upstream
	// returns one (a new comment, PR, or check run).
	NodeID string
	// URL of the created resource, when applicable.
	URL string
	// Number of a created pull request, when applicable.
	Number int
}

// Client executes upstream writes. Implementations must be safe for
// concurrent use.
type Client interface {
	Execute(ctx context.Context, req WriteRequest) (*WriteResult, error)
}

// ValidKind reports whether kind is an accepted write kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindComment, KindPullRequest, KindCheckRun, KindBranch, KindLabel, KindReview, KindProjectFieldUpdate:
		return true
	}
	return false
}

// RetryableError marks an upstream failure as transient. The outbox
// worker retries these and dead-letters everything else on exhaustion.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
