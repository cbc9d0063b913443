package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultHubBuffer = 32

var ErrInvalidChannel = errors.New("notify: invalid channel")

// Hub delivers events to in-process subscribers. Each subscription has a
// bounded buffer; when it is full the event is dropped for that subscriber.
type Hub struct {
	mu     sync.RWMutex
	buffer int
	subs   map[string]map[*Subscription]struct{}

	dropped atomic.Uint64
	onDrop  func()
}

// NewHub returns a hub with per-subscription buffers of size buffer (default
// 32). onDrop, if set, is called once per dropped delivery.
func NewHub(buffer int, onDrop func()) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
		onDrop: onDrop,
	}
}

type Subscription struct {
	hub     *Hub
	channel string
	ch      chan Event
	once    sync.Once
}

func (s *Subscription) Channel() string { return s.channel }

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.channel)
			}
		}
		close(s.ch)
	})
}

// ValidChannel accepts the observers channel and queue:/lease: channels with a
// non-empty id.
func ValidChannel(channel string) bool {
	if channel == ObserversChannel {
		return true
	}
	for _, prefix := range []string{"queue:", "lease:"} {
		if id, ok := strings.CutPrefix(channel, prefix); ok {
			return strings.TrimSpace(id) != ""
		}
	}
	return false
}

func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	if !ValidChannel(channel) {
		return nil, ErrInvalidChannel
	}
	s := &Subscription{
		hub:     h,
		channel: channel,
		ch:      make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Publish never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, channel := range e.Channels {
		for s := range h.subs[channel] {
			select {
			case s.ch <- e:
			default:
				h.dropped.Add(1)
				if h.onDrop != nil {
					h.onDrop()
				}
			}
		}
	}
	return nil
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
