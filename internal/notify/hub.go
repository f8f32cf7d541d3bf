// Package notify pushes action status changes to clients watching a Thing.
package notify

import (
	"log/slog"
	"sync"

	"github.com/tjfontaine/thingserver/internal/action"
)

const (
	MessageTypeActionStatus         = "actionStatus"
	MessageTypeAddActionObservation = "addActionObservation"
	// accepted and ignored: properties are not served
	MessageTypeAddPropertyObservation = "addPropertyObservation"
)

// Message is the envelope used in both directions on the websocket.
type Message struct {
	MessageType string         `json:"messageType"`
	Data        map[string]any `json:"data"`
}

// Hub fans status events out to subscriptions. It implements
// action.Observer and never blocks the runner: a subscriber whose buffer
// is full misses the event.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription receives events for the actions it observes on one Thing.
type Subscription struct {
	hub       *Hub
	thingPath string
	ch        chan Message

	mu      sync.RWMutex
	actions map[string]bool
	closed  bool
}

// Subscribe registers interest in a Thing. Nothing is delivered until
// Observe is called for at least one action.
func (h *Hub) Subscribe(thingPath string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	s := &Subscription{
		hub:       h,
		thingPath: thingPath,
		ch:        make(chan Message, buffer),
		actions:   make(map[string]bool),
	}

	h.mu.Lock()
	set, ok := h.subs[thingPath]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[thingPath] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// C delivers messages until Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Observe adds an action to the set this subscription receives.
func (s *Subscription) Observe(actionName string) {
	s.mu.Lock()
	s.actions[actionName] = true
	s.mu.Unlock()
}

// Observing reports whether actionName is observed.
func (s *Subscription) Observing(actionName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actions[actionName]
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	if set, ok := h.subs[s.thingPath]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.thingPath)
		}
	}
	h.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) offer(msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// ActionStatusChanged delivers ev to subscribers of its Thing that observe
// its action.
func (h *Hub) ActionStatusChanged(ev action.StatusEvent) {
	msg := Message{
		MessageType: MessageTypeActionStatus,
		Data: map[string]any{
			"action name": ev.Action,
			"status":      string(ev.Status),
			"id":          ev.InvocationID,
		},
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.ThingPath] {
		if !s.Observing(ev.Action) {
			continue
		}
		if !s.offer(msg) {
			h.logger.Warn("action status dropped for slow subscriber",
				slog.String("thing", ev.ThingPath),
				slog.String("action", ev.Action),
				slog.String("invocation_id", ev.InvocationID))
		}
	}
}

// Subscribers returns how many subscriptions exist for a Thing.
func (h *Hub) Subscribers(thingPath string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[thingPath])
}

var _ action.Observer = (*Hub)(nil)
