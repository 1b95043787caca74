package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/logger"
)

// ReplayWindow caps how many rows are replayed to a reconnecting
// observer. The extra row past a round number lets callers detect
// overflow and fall back to a full refresh.
const ReplayWindow = 101

// StreamStore persists stream events for observer replay.
type StreamStore struct {
	db *sqlx.DB
}

// NewStreamStore creates a stream event store.
func NewStreamStore(conn *sqlx.DB) *StreamStore {
	return &StreamStore{db: conn}
}

type streamRow struct {
	ID        int64          `db:"id"`
	Kind      string         `db:"kind"`
	ProjectID string         `db:"project_id"`
	RunID     sql.NullString `db:"run_id"`
	Payload   string         `db:"payload"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *streamRow) toEvent() (*StreamEvent, error) {
	ev := &StreamEvent{
		ID:        r.ID,
		Kind:      r.Kind,
		ProjectID: r.ProjectID,
		CreatedAt: r.CreatedAt,
	}
	if r.RunID.Valid {
		ev.RunID = r.RunID.String
	}
	if r.Payload != "" && r.Payload != "{}" {
		if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Insert persists an event and assigns its ordered id.
func (s *StreamStore) Insert(ctx context.Context, ev *StreamEvent) error {
	payload := "{}"
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal stream payload: %w", err)
		}
		payload = string(b)
	}
	var runID *string
	if ev.RunID != "" {
		runID = &ev.RunID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO stream_events (kind, project_id, run_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		ev.Kind, ev.ProjectID, runID, payload, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert stream event: %w", err)
	}
	return nil
}

// Replay returns up to ReplayWindow events with id > lastEventID across the
// given projects, ordered by id. Callers seeing a full window should treat
// it as overflow.
func (s *StreamStore) Replay(ctx context.Context, projectIDs []string, lastEventID int64) ([]*StreamEvent, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM stream_events
		WHERE id > ? AND project_id IN (?)
		ORDER BY id ASC LIMIT ?`,
		lastEventID, projectIDs, ReplayWindow)
	if err != nil {
		return nil, err
	}
	var rows []streamRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*StreamEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Prune deletes stream events older than maxAgeDays.
func (s *StreamStore) Prune(ctx context.Context, maxAgeDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM stream_events WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Publisher persists and publishes stream events. Persistence failure is
// non-fatal: the pub/sub message is still attempted without an id.
type Publisher struct {
	store  *StreamStore
	bus    EventBus
	logger *logger.Logger
}

// NewPublisher creates a stream publisher.
func NewPublisher(store *StreamStore, eventBus EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "stream-publisher")),
	}
}

// Publish writes the event row and emits it on the project channel.
// Never returns an error: failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, ev *StreamEvent) {
	if p == nil {
		return
	}
	if err := p.store.Insert(ctx, ev); err != nil {
		p.logger.Warn("failed to persist stream event",
			zap.String("kind", ev.Kind),
			zap.Error(err))
		ev.ID = 0
	}
	if err := p.bus.Publish(ctx, Channel(ev.ProjectID), ev); err != nil {
		p.logger.Warn("failed to publish stream event",
			zap.String("kind", ev.Kind),
			zap.Error(err))
	}
}
