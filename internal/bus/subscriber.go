package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrHandlerSet is returned when SetHandler is called twice.
var ErrHandlerSet = errors.New("handler already set")

// Subscriber is an observer attachment: it replays persisted events past
// the observer's last seen id, then follows the live channels. Observers
// must tolerate duplicates and out-of-order delivery across projects.
type Subscriber struct {
	store *StreamStore
	bus   EventBus

	mu       sync.Mutex
	channels map[string]bool // projectID -> subscribed
	handler  Handler
	subs     []Subscription
	started  bool
}

// NewSubscriber creates a subscriber over the given store and bus.
func NewSubscriber(store *StreamStore, eventBus EventBus) *Subscriber {
	return &Subscriber{
		store:    store,
		bus:      eventBus,
		channels: make(map[string]bool),
	}
}

// SetHandler installs the delivery callback. Calling it a second time is
// an error.
func (s *Subscriber) SetHandler(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return ErrHandlerSet
	}
	s.handler = h
	return nil
}

// AddChannels adds project subscriptions. Additive and idempotent; when
// the subscriber is already started, new channels attach immediately.
func (s *Subscriber) AddChannels(projectIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range projectIDs {
		if s.channels[id] {
			continue
		}
		s.channels[id] = true
		if s.started {
			if err := s.attachLocked(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProjectIDs returns the subscribed project set.
func (s *Subscriber) ProjectIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

// Start replays events with id > lastEventID across the subscribed
// projects (bounded by ReplayWindow), then attaches to the live channels.
// Returns overflow=true when the replay window filled, meaning the
// observer should perform a full refresh instead of trusting the replay.
func (s *Subscriber) Start(ctx context.Context, lastEventID int64) (overflow bool, err error) {
	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("subscriber has no handler")
	}
	if s.started {
		s.mu.Unlock()
		return false, fmt.Errorf("subscriber already started")
	}
	projectIDs := make([]string, 0, len(s.channels))
	for id := range s.channels {
		projectIDs = append(projectIDs, id)
	}
	handler := s.handler
	s.mu.Unlock()

	if lastEventID > 0 {
		replayed, err := s.store.Replay(ctx, projectIDs, lastEventID)
		if err != nil {
			return false, fmt.Errorf("replay: %w", err)
		}
		for _, ev := range replayed {
			if err := handler(ctx, ev); err != nil {
				return false, err
			}
		}
		overflow = len(replayed) >= ReplayWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for id := range s.channels {
		if err := s.attachLocked(id); err != nil {
			return overflow, err
		}
	}
	return overflow, nil
}

func (s *Subscriber) attachLocked(projectID string) error {
	sub, err := s.bus.Subscribe(Channel(projectID), func(ctx context.Context, ev *StreamEvent) error {
		return s.handler(ctx, ev)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Stop detaches from all live channels.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.started = false
}
