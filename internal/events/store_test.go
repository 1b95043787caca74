package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/db/dbtest"
)

func TestCreateEvent_AssignsGapFreeSequences(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := store.CreateEvent(ctx, CreateParams{
			ProjectID:      f.ProjectID,
			RunID:          f.RunID,
			Type:           "phase.transitioned",
			Class:          ClassDecision,
			Payload:        map[string]any{"step": i},
			IdempotencyKey: fmt.Sprintf("seq-%d", i),
			Source:         SourceOrchestrator,
		})
		require.NoError(t, err)
		require.NotNil(t, ev.Sequence)
		assert.Equal(t, int64(i), *ev.Sequence)
	}

	var nextSequence int64
	require.NoError(t, conn.Get(&nextSequence,
		conn.Rebind(`SELECT next_sequence FROM runs WHERE id = ?`), f.RunID))
	assert.Equal(t, int64(4), nextSequence)

	listed, err := store.ListRunEvents(ctx, f.RunID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, ev := range listed {
		assert.Equal(t, int64(i+1), *ev.Sequence)
	}
}

func TestCreateEvent_DuplicateKeyReturnsFirstRow(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	ctx := context.Background()

	first, err := store.CreateEvent(ctx, CreateParams{
		ProjectID:      f.ProjectID,
		RunID:          f.RunID,
		Type:           "gate.evaluated",
		Class:          ClassFact,
		Payload:        map[string]any{"gate": "tests_pass"},
		IdempotencyKey: "gate:once",
		Source:         SourceOrchestrator,
	})
	require.NoError(t, err)

	second, err := store.CreateEvent(ctx, CreateParams{
		ProjectID:      f.ProjectID,
		RunID:          f.RunID,
		Type:           "gate.evaluated",
		Class:          ClassFact,
		Payload:        map[string]any{"gate": "different"},
		IdempotencyKey: "gate:once",
		Source:         SourceOrchestrator,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Payload, second.Payload)

	var count int
	require.NoError(t, conn.Get(&count,
		`SELECT COUNT(*) FROM events WHERE idempotency_key = 'gate:once'`))
	assert.Equal(t, 1, count)

	// The dedup hit must not have consumed a sequence.
	var nextSequence int64
	require.NoError(t, conn.Get(&nextSequence,
		conn.Rebind(`SELECT next_sequence FROM runs WHERE id = ?`), f.RunID))
	assert.Equal(t, int64(2), nextSequence)
}

func TestCreateEvent_ProjectScopedWithoutRun(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	ctx := context.Background()

	ev, err := store.CreateEvent(ctx, CreateParams{
		ProjectID:      f.ProjectID,
		Type:           "installation.created",
		Class:          ClassFact,
		IdempotencyKey: "install:1",
		Source:         SourceWebhook,
	})
	require.NoError(t, err)
	assert.Nil(t, ev.RunID)
	assert.Nil(t, ev.Sequence)
}

func TestGetBySequence(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	ctx := context.Background()

	created, err := store.CreateEvent(ctx, CreateParams{
		ProjectID:      f.ProjectID,
		RunID:          f.RunID,
		Type:           "phase.transitioned",
		Class:          ClassDecision,
		IdempotencyKey: "by-seq",
		Source:         SourceOrchestrator,
	})
	require.NoError(t, err)

	got, err := store.GetBySequence(ctx, f.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = store.GetBySequence(ctx, f.RunID, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
