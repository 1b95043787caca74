package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/redact"
)

// DeferredEvent is a rate-limited mirror event buffered for coalescing.
type DeferredEvent struct {
	ID             string    `db:"id"`
	RunID          string    `db:"run_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Summary        string    `db:"summary"`
	Payload        string    `db:"payload"`
	CreatedAt      time.Time `db:"created_at"`
}

type deferredPayload struct {
	TargetNodeID string `json:"targetNodeId"`
	Details      string `json:"details,omitempty"`
}

// MirrorInput is one progress event destined for the linked ticket.
type MirrorInput struct {
	RunID          string
	TargetNodeID   string
	IdempotencyKey string
	Summary        string
	Details        string
}

// MirrorResult reports what happened to a mirror call. Errors are
// carried here rather than returned: mirroring never fails its caller.
type MirrorResult struct {
	Enqueued      bool
	Deferred      bool
	GithubWriteID string
	Error         string
}

// Mirror rate-limits and coalesces ticket comments above the outbox.
type Mirror struct {
	db     *sqlx.DB
	store  *Store
	cfg    config.Mirror
	logger *logger.Logger
}

// NewMirror creates a mirror helper.
func NewMirror(conn *sqlx.DB, store *Store, cfg config.Mirror, log *logger.Logger) *Mirror {
	return &Mirror{
		db:     conn,
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mirror")),
	}
}

// Post mirrors one event to the run's linked ticket. Within the rate
// window of the last non-cancelled comment the event is deferred;
// otherwise deferred events are coalesced with it into one comment,
// oldest first, and the deferred rows are deleted once the outbox
// accepts the new comment.
func (m *Mirror) Post(ctx context.Context, in MirrorInput) MirrorResult {
	log := m.logger.WithRunID(in.RunID)

	lastAt, err := m.store.LastCompletedCommentAt(ctx, in.RunID)
	if err != nil {
		log.Warn("mirror: reading last comment failed", zap.Error(err))
		return MirrorResult{Error: err.Error()}
	}

	window := time.Duration(m.cfg.RateLimitSeconds) * time.Second
	if lastAt != nil && time.Since(*lastAt) < window {
		if err := m.bufferEvent(ctx, in); err != nil {
			log.Warn("mirror: deferral failed", zap.Error(err))
			return MirrorResult{Error: err.Error()}
		}
		return MirrorResult{Deferred: true}
	}

	return m.flush(ctx, in.RunID, &in, log)
}

// bufferEvent stores the event for later coalescing; a duplicate
// idempotency key collapses.
func (m *Mirror) bufferEvent(ctx context.Context, in MirrorInput) error {
	payload, err := json.Marshal(deferredPayload{
		TargetNodeID: in.TargetNodeID,
		Details:      in.Details,
	})
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, m.db.Rebind(`
		INSERT INTO mirror_deferred_events (id, run_id, idempotency_key, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ids.New("mdef"), in.RunID, in.IdempotencyKey, in.Summary, string(payload), time.Now().UTC())
	if err != nil {
		// A duplicate key means this event is already buffered.
		var existing string
		gerr := m.db.GetContext(ctx, &existing, m.db.Rebind(
			`SELECT id FROM mirror_deferred_events WHERE idempotency_key = ?`), in.IdempotencyKey)
		if gerr == nil {
			return nil
		}
		return err
	}
	return nil
}

// flush coalesces the run's deferred events, plus the current one when
// present, into a single comment.
func (m *Mirror) flush(ctx context.Context, runID string, current *MirrorInput, log *logger.Logger) MirrorResult {
	deferred, err := m.listDeferred(ctx, runID)
	if err != nil {
		log.Warn("mirror: listing deferred events failed", zap.Error(err))
		return MirrorResult{Error: err.Error()}
	}
	if len(deferred) == 0 && current == nil {
		return MirrorResult{}
	}

	sections := make([]Section, 0, len(deferred)+1)
	targetNodeID := ""
	keyParts := ""
	for _, d := range deferred {
		var p deferredPayload
		if err := json.Unmarshal([]byte(d.Payload), &p); err == nil && p.TargetNodeID != "" {
			targetNodeID = p.TargetNodeID
			sections = append(sections, Section{Summary: d.Summary, Details: p.Details})
		} else {
			sections = append(sections, Section{Summary: d.Summary})
		}
		keyParts += ":" + d.IdempotencyKey
	}
	if current != nil {
		targetNodeID = current.TargetNodeID
		sections = append(sections, Section{Summary: current.Summary, Details: current.Details})
		keyParts += ":" + current.IdempotencyKey
	}
	if targetNodeID == "" {
		log.Warn("mirror: no target node for deferred events", zap.String("run_id", runID))
		return MirrorResult{Error: "no target node id"}
	}

	for i := range sections {
		sections[i].Summary = redact.Text(sections[i].Summary)
		sections[i].Details = redact.Text(sections[i].Details)
	}
	body := BuildComment(sections, m.cfg.MaxCommentChars)

	res, err := m.store.EnqueueWrite(ctx, EnqueueParams{
		RunID:          runID,
		Kind:           github.KindComment,
		TargetNodeID:   targetNodeID,
		TargetType:     "issue",
		Payload:        map[string]any{"body": body},
		IdempotencyKey: fmt.Sprintf("mirror:%s%s", runID, keyParts),
	})
	if err != nil {
		log.Warn("mirror: enqueue failed", zap.Error(err))
		return MirrorResult{Error: err.Error()}
	}

	// Deferred rows are consumed only when the outbox actually accepted a
	// new row; a dedupe hit means another flush already owns them.
	if res.IsNew && len(deferred) > 0 {
		if err := m.deleteDeferred(ctx, deferred); err != nil {
			log.Warn("mirror: deleting deferred events failed", zap.Error(err))
		}
	}
	return MirrorResult{Enqueued: true, GithubWriteID: res.GithubWriteID}
}

// FlushOrphans releases deferred events stranded past the stale
// threshold, one coalesced comment per run. Returns the number of runs
// flushed.
func (m *Mirror) FlushOrphans(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.DeferredStaleMins) * time.Minute)
	var runIDs []string
	err := m.db.SelectContext(ctx, &runIDs, m.db.Rebind(`
		SELECT DISTINCT run_id FROM mirror_deferred_events WHERE created_at < ?`), cutoff)
	if err != nil {
		m.logger.Warn("mirror: orphan scan failed", zap.Error(err))
		return 0
	}
	flushed := 0
	for _, runID := range runIDs {
		res := m.flush(ctx, runID, nil, m.logger.WithRunID(runID))
		if res.Enqueued {
			flushed++
		}
	}
	return flushed
}

func (m *Mirror) listDeferred(ctx context.Context, runID string) ([]*DeferredEvent, error) {
	var out []*DeferredEvent
	err := m.db.SelectContext(ctx, &out, m.db.Rebind(`
		SELECT * FROM mirror_deferred_events WHERE run_id = ? ORDER BY created_at ASC`), runID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return out, nil
}

func (m *Mirror) deleteDeferred(ctx context.Context, rows []*DeferredEvent) error {
	if len(rows) == 0 {
		return nil
	}
	rowIDs := make([]string, len(rows))
	for i, r := range rows {
		rowIDs[i] = r.ID
	}
	query, args, err := sqlx.In(`DELETE FROM mirror_deferred_events WHERE id IN (?)`, rowIDs)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, m.db.Rebind(query), args...)
	return err
}
