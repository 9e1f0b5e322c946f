package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Subscription is a live registration on one scope. Events arrive on C
// in publish order until Close is called or the hub drops the
// subscription, at which point C is closed.
type Subscription struct {
	C     <-chan Event
	Scope Scope

	hub  *Hub
	ch   chan Event
	once sync.Once
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[Scope]map[*Subscription]struct{}
	buffer int
	closed bool

	dropped metric.Int64Counter
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	dropped, err := otel.Meter("clinicq/events").Int64Counter("clinicq.events.dropped_subscriptions",
		metric.WithDescription("Subscriptions dropped because their buffer was full"))
	if err != nil {
		dropped = noop.Int64Counter{}
	}

	return &Hub{
		subs:    make(map[Scope]map[*Subscription]struct{}),
		buffer:  buffer,
		dropped: dropped,
	}
}

func (h *Hub) Subscribe(scope Scope) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, Scope: scope, hub: h, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	if h.subs[scope] == nil {
		h.subs[scope] = make(map[*Subscription]struct{})
	}
	h.subs[scope][sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber of its scopes without blocking.
// A subscriber whose buffer is full is dropped: it must re-read current
// state when it re-subscribes.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, scope := range ev.Scopes() {
		for sub := range h.subs[scope] {
			select {
			case sub.ch <- ev:
			default:
				log.Warn().
					Str("scope", scope.String()).
					Str("event_type", ev.Type).
					Msg("subscriber buffer full, dropping subscription")
				h.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("scope_kind", string(scope.Kind))))
				h.dropLocked(sub)
			}
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are registered on scope.
func (h *Hub) Subscribers(scope Scope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[scope])
}

// Close drops every subscription; later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			h.dropLocked(sub)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	if subs, ok := h.subs[sub.Scope]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.Scope)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}
