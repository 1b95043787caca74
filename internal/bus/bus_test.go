package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db/dbtest"
)

func insertStreamEvents(t *testing.T, store *StreamStore, projectID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := &StreamEvent{
			Kind:      KindRunUpdated,
			ProjectID: projectID,
			Payload:   map[string]any{"i": i},
		}
		require.NoError(t, store.Insert(ctx, ev))
		require.NotZero(t, ev.ID)
	}
}

func TestStreamStore_ReplayFiltersAndOrders(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStreamStore(conn)
	ctx := context.Background()

	insertStreamEvents(t, store, "proj_a", 3)
	insertStreamEvents(t, store, "proj_b", 2)

	replayed, err := store.Replay(ctx, []string{"proj_a"}, 1)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Less(t, replayed[0].ID, replayed[1].ID)
	for _, ev := range replayed {
		assert.Equal(t, "proj_a", ev.ProjectID)
		assert.Greater(t, ev.ID, int64(1))
	}

	none, err := store.Replay(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStreamStore_ReplayWindowBound(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStreamStore(conn)
	ctx := context.Background()

	insertStreamEvents(t, store, "proj_a", ReplayWindow+10)

	replayed, err := store.Replay(ctx, []string{"proj_a"}, 0)
	require.NoError(t, err)
	assert.Len(t, replayed, ReplayWindow)
}

func TestPublisher_PersistsAndDelivers(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStreamStore(conn)
	memBus := NewMemoryEventBus(logger.Default())
	defer memBus.Close()
	pub := NewPublisher(store, memBus, logger.Default())
	ctx := context.Background()

	var mu sync.Mutex
	var got []*StreamEvent
	done := make(chan struct{}, 1)
	_, err := memBus.Subscribe(Channel("proj_a"), func(ctx context.Context, ev *StreamEvent) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	pub.Publish(ctx, &StreamEvent{
		Kind:      KindRunPhaseChanged,
		ProjectID: "proj_a",
		RunID:     "run_1",
		Payload:   map[string]any{"from": "pending", "to": "planning"},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, KindRunPhaseChanged, got[0].Kind)
	assert.NotZero(t, got[0].ID)

	replayed, err := store.Replay(ctx, []string{"proj_a"}, 0)
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
}

func TestMemoryEventBus_WildcardPatterns(t *testing.T) {
	memBus := NewMemoryEventBus(logger.Default())
	defer memBus.Close()

	delivered := make(chan string, 4)
	_, err := memBus.Subscribe(ChannelPrefix+"*", func(ctx context.Context, ev *StreamEvent) error {
		delivered <- ev.ProjectID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, memBus.Publish(context.Background(), Channel("proj_x"), &StreamEvent{
		Kind: KindProjectUpdated, ProjectID: "proj_x",
	}))

	select {
	case id := <-delivered:
		assert.Equal(t, "proj_x", id)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard subscription missed the event")
	}
}

func TestMemoryEventBus_UnsubscribeAndClose(t *testing.T) {
	memBus := NewMemoryEventBus(logger.Default())

	sub, err := memBus.Subscribe(Channel("proj_a"), func(ctx context.Context, ev *StreamEvent) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	memBus.Close()
	assert.False(t, memBus.IsConnected())
	err = memBus.Publish(context.Background(), Channel("proj_a"), &StreamEvent{Kind: KindRunUpdated})
	assert.Error(t, err)
}

func TestSubscriber_SetHandlerTwice(t *testing.T) {
	conn := dbtest.Open(t)
	sub := NewSubscriber(NewStreamStore(conn), NewMemoryEventBus(logger.Default()))

	h := func(ctx context.Context, ev *StreamEvent) error { return nil }
	require.NoError(t, sub.SetHandler(h))
	assert.ErrorIs(t, sub.SetHandler(h), ErrHandlerSet)
}

func TestSubscriber_AddChannelsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	sub := NewSubscriber(NewStreamStore(conn), NewMemoryEventBus(logger.Default()))

	require.NoError(t, sub.AddChannels("proj_a", "proj_b"))
	require.NoError(t, sub.AddChannels("proj_a", "proj_c"))
	assert.ElementsMatch(t, []string{"proj_a", "proj_b", "proj_c"}, sub.ProjectIDs())
}

func TestSubscriber_ReplayThenLive(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStreamStore(conn)
	memBus := NewMemoryEventBus(logger.Default())
	defer memBus.Close()
	ctx := context.Background()

	insertStreamEvents(t, store, "proj_a", 3)

	sub := NewSubscriber(store, memBus)
	var mu sync.Mutex
	var seen []int64
	live := make(chan struct{}, 1)
	require.NoError(t, sub.SetHandler(func(ctx context.Context, ev *StreamEvent) error {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
		if ev.Kind == KindRefreshRequired {
			live <- struct{}{}
		}
		return nil
	}))
	require.NoError(t, sub.AddChannels("proj_a"))

	overflow, err := sub.Start(ctx, 1)
	require.NoError(t, err)
	assert.False(t, overflow)
	defer sub.Stop()

	mu.Lock()
	assert.Equal(t, []int64{2, 3}, seen)
	mu.Unlock()

	require.NoError(t, memBus.Publish(ctx, Channel("proj_a"), &StreamEvent{
		ID: 4, Kind: KindRefreshRequired, ProjectID: "proj_a",
	}))
	select {
	case <-live:
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered after replay")
	}
}

func TestSubscriber_OverflowDetection(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStreamStore(conn)
	memBus := NewMemoryEventBus(logger.Default())
	defer memBus.Close()

	insertStreamEvents(t, store, "proj_a", ReplayWindow+5)

	sub := NewSubscriber(store, memBus)
	require.NoError(t, sub.SetHandler(func(ctx context.Context, ev *StreamEvent) error { return nil }))
	require.NoError(t, sub.AddChannels("proj_a"))

	overflow, err := sub.Start(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, overflow)
	sub.Stop()
}

func TestInitTeardownSingleton(t *testing.T) {
	conn := dbtest.Open(t)
	memBus := NewMemoryEventBus(logger.Default())
	defer memBus.Close()
	pub := NewPublisher(NewStreamStore(conn), memBus, logger.Default())

	Init(pub)
	defer Teardown()
	assert.Same(t, pub, Get())

	// Double init keeps the first publisher.
	other := NewPublisher(NewStreamStore(conn), memBus, logger.Default())
	Init(other)
	assert.Same(t, pub, Get())
}

func TestStreamEvent_EncodeOmitsEmpty(t *testing.T) {
	ev := &StreamEvent{Kind: KindGateEvaluated, ProjectID: "proj_a"}
	b, err := ev.Encode()
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, fmt.Sprintf("%q", KindGateEvaluated))
	assert.NotContains(t, s, `"runId"`)
	assert.NotContains(t, s, `"id"`)
}
