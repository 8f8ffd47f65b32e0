// Package broadcast fans session snapshots out to live subscribers.
//
// Each session has a room. Publishing hands the event to every subscriber of
// the room without blocking: a subscriber whose buffer is full is dropped and
// its channel closed, so one slow client cannot stall the others. Within a
// subscription versions only move forward; an event at or below the last
// delivered version is skipped.
package broadcast

import (
	"sync"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Observer is notified as subscriptions come and go.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved(dropped bool)
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithObserver registers an observer for subscriber counts.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		h.observer = o
	}
}

// Hub maps session ids to rooms of subscribers.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*room
	closed   bool
	buffer   int
	logger   *zap.Logger
	observer Observer
}

// NewHub builds an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:  make(map[string]*room),
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type room struct {
	mu          sync.Mutex
	sessionID   string
	subscribers map[*Subscription]struct{}
}

// Subscription receives events for one session.
type Subscription struct {
	hub       *Hub
	sessionID string
	ch        chan domain.Event
	after     int64
	once      sync.Once
	dropped   bool
}

// Events yields events in increasing version order. It is closed when the
// subscription is closed or dropped.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Dropped reports whether the hub disconnected the subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, false)
}

// Subscribe registers a subscriber for sessionID that only receives versions
// greater than after. Use the version of the snapshot already sent to the
// client.
func (h *Hub) Subscribe(sessionID string, after int64) *Subscription {
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan domain.Event, h.buffer),
		after:     after,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{sessionID: sessionID, subscribers: make(map[*Subscription]struct{})}
		h.rooms[sessionID] = r
	}
	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.SubscriberAdded()
	}
	return sub
}

// Publish delivers evt to the subscribers of its session.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.Lock()
	r, ok := h.rooms[evt.SessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var slow []*Subscription
	r.mu.Lock()
	for sub := range r.subscribers {
		if evt.Version <= sub.after {
			continue
		}
		select {
		case sub.ch <- evt:
			sub.after = evt.Version
		default:
			slow = append(slow, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber",
			zap.String("session_id", evt.SessionID),
			zap.Int64("version", evt.Version),
		)
		h.remove(sub, true)
	}
}

// Subscribers returns the number of live subscribers for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, r := range h.rooms {
		r.mu.Lock()
		for sub := range r.subscribers {
			subs = append(subs, sub)
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, false)
	}
}

func (h *Hub) remove(sub *Subscription, dropped bool) {
	removed := false
	h.mu.Lock()
	if r, ok := h.rooms[sub.sessionID]; ok {
		r.mu.Lock()
		if _, member := r.subscribers[sub]; member {
			delete(r.subscribers, sub)
			removed = true
			if dropped {
				sub.dropped = true
			}
		}
		empty := len(r.subscribers) == 0
		r.mu.Unlock()
		if empty {
			delete(h.rooms, sub.sessionID)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
	if removed && h.observer != nil {
		h.observer.SubscriberRemoved(dropped)
	}
}
