package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/github"
)

// DefaultMaxRetries bounds upstream write attempts before a row stays
// failed for operator attention.
const DefaultMaxRetries = 3

// CompletedFunc is invoked after a write completes upstream, letting
// callers fold external identifiers back into their own state.
type CompletedFunc func(ctx context.Context, write *GithubWrite, result *github.WriteResult)

// Writer drains the outbox against an upstream client.
type Writer struct {
	store        *Store
	client       github.Client
	logger       *logger.Logger
	pollInterval time.Duration
	maxRetries   int
	onCompleted  CompletedFunc
}

// NewWriter creates an outbox writer.
func NewWriter(store *Store, client github.Client, log *logger.Logger) *Writer {
	return &Writer{
		store:        store,
		client:       client,
		logger:       log.WithFields(zap.String("component", "outbox-writer")),
		pollInterval: time.Second,
		maxRetries:   DefaultMaxRetries,
	}
}

// NewWriterWithPolicy creates an outbox writer whose retry cap and poll
// pacing come from the github_writes queue policy.
func NewWriterWithPolicy(store *Store, client github.Client, policy config.QueuePolicy, log *logger.Logger) *Writer {
	w := NewWriter(store, client, log)
	if policy.MaxAttempts > 0 {
		w.maxRetries = policy.MaxAttempts
	}
	if iv := policy.PollInterval(); iv > 0 {
		w.pollInterval = iv
	}
	return w
}

// OnCompleted installs the completion callback.
func (w *Writer) OnCompleted(fn CompletedFunc) { w.onCompleted = fn }

// Run drains queued writes until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		w.Drain(ctx)
	}
}

// Drain processes all currently queued writes.
func (w *Writer) Drain(ctx context.Context) {
	for {
		write, err := w.store.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim write failed", zap.Error(err))
			return
		}
		if write == nil {
			return
		}
		w.process(ctx, write)
	}
}

func (w *Writer) process(ctx context.Context, write *GithubWrite) {
	log := w.logger.WithFields(
		zap.String("write_id", write.ID),
		zap.String("kind", write.Kind),
		zap.String("run_id", write.RunID))

	var payload map[string]any
	if err := json.Unmarshal([]byte(write.Payload), &payload); err != nil {
		log.Error("write payload is not valid JSON", zap.Error(err))
		_ = w.store.Fail(ctx, write.ID, err)
		return
	}

	result, err := w.client.Execute(ctx, github.WriteRequest{
		Kind:         write.Kind,
		TargetNodeID: write.TargetNodeID,
		Payload:      payload,
	})
	if err != nil {
		log.Warn("upstream write failed", zap.Error(err))
		if ferr := w.store.Fail(ctx, write.ID, err); ferr != nil {
			log.Error("failed to record write failure", zap.Error(ferr))
			return
		}
		var retryable *github.RetryableError
		if errors.As(err, &retryable) && write.RetryCount+1 < w.maxRetries {
			if rerr := w.store.Requeue(ctx, write.ID); rerr != nil {
				log.Error("failed to requeue write", zap.Error(rerr))
			}
		}
		return
	}

	if cerr := w.store.Complete(ctx, write.ID, result); cerr != nil {
		log.Error("failed to complete write", zap.Error(cerr))
		return
	}
	if w.onCompleted != nil {
		w.onCompleted(ctx, write, result)
	}
}
