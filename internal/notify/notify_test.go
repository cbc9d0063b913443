package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/eventbus"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestPublisher_StampsAndFansOut(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	p := NewPublisher(PublisherConfig{Now: func() time.Time { return now }}, failing, nil, ok)

	lease := access.Lease{ID: "l1", ResourceID: "p1", HolderID: "alice", HolderRole: access.RoleUser, Status: access.LeaseStatusActive}
	p.Publish(context.Background(), Event{
		Kind:       KindLeaseGranted,
		Channels:   []string{QueueChannel("p1"), LeaseChannel("l1")},
		ResourceID: "p1",
		Lease:      NewLeaseView(lease),
	})
	p.Publish(context.Background(), Event{Kind: KindLeaseGranted, ResourceID: "p1", Lease: NewLeaseView(lease)})

	if len(failing.events) != 2 {
		t.Fatalf("failing sink should still be called, got %d", len(failing.events))
	}
	if len(ok.events) != 2 {
		t.Fatalf("expected sink after a failing one to receive events, got %d", len(ok.events))
	}
	e := ok.events[0]
	if e.Version != Version || !e.At.Equal(now) {
		t.Fatalf("unexpected stamp: %+v", e)
	}
	if !strings.HasPrefix(e.ID, "0x") || len(e.ID) != 66 {
		t.Fatalf("unexpected id: %q", e.ID)
	}
	if e.ID == ok.events[1].ID {
		t.Fatalf("expected distinct ids per published event")
	}
	wantChannels := []string{"queue:p1", "lease:l1", ObserversChannel}
	if len(e.Channels) != len(wantChannels) {
		t.Fatalf("channels: got %v want %v", e.Channels, wantChannels)
	}
	for i := range wantChannels {
		if e.Channels[i] != wantChannels[i] {
			t.Fatalf("channels: got %v want %v", e.Channels, wantChannels)
		}
	}

	var nilPublisher *Publisher
	nilPublisher.Publish(context.Background(), Event{Kind: KindLockFreed})
}

func TestHub_DeliversPerChannelAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	var drops int
	h := NewHub(1, func() { drops++ })

	q, err := h.Subscribe(QueueChannel("p1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := h.Subscribe(QueueChannel("p2"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("queue:"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := h.Subscribe("random"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}

	ctx := context.Background()
	e := Event{ID: "1", Kind: KindQueueUpdated, Channels: []string{QueueChannel("p1")}}
	_ = h.Publish(ctx, e)
	_ = h.Publish(ctx, Event{ID: "2", Kind: KindQueueUpdated, Channels: []string{QueueChannel("p1")}})

	got := <-q.Events()
	if got.ID != "1" {
		t.Fatalf("expected first event, got %+v", got)
	}
	if h.Dropped() != 1 || drops != 1 {
		t.Fatalf("expected one drop, got %d/%d", h.Dropped(), drops)
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected delivery on other channel: %+v", ev)
	default:
	}

	q.Close()
	q.Close()
	if _, open := <-q.Events(); open {
		t.Fatalf("expected closed channel after Close")
	}
	if h.Subscribers(QueueChannel("p1")) != 0 {
		t.Fatalf("expected subscription removed")
	}
	// Publishing after close must not panic.
	_ = h.Publish(ctx, e)
	other.Close()
}

func TestBusSink_RoundTripsThroughStdio(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	producer, err := eventbus.NewProducer(eventbus.ProducerConfig{Driver: eventbus.DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	sink, err := NewBusSink(producer, "")
	if err != nil {
		t.Fatalf("NewBusSink: %v", err)
	}
	if _, err := NewBusSink(nil, "x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	p := NewPublisher(PublisherConfig{}, sink)
	r := access.ExtensionRequest{ID: "e1", LeaseID: "l1", ResourceID: "p1", RequesterID: "alice", Status: access.ExtensionStatusPending, RequestedDuration: 5 * time.Minute}
	p.Publish(context.Background(), Event{Kind: KindExtensionRequested, ResourceID: "p1", Extension: NewExtensionView(r)})

	line := strings.TrimSpace(buf.String())
	e, err := Decode([]byte(line))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Kind != KindExtensionRequested || e.Extension == nil || e.Extension.RequestedDurationMS != 300000 {
		t.Fatalf("unexpected decoded event: %+v", e)
	}
	if e.Extension.Status != "pending" || e.Extension.DecidedAt != nil {
		t.Fatalf("unexpected extension view: %+v", e.Extension)
	}

	if _, err := Decode([]byte(`{"version":"v0","id":"x","kind":"lease.granted"}`)); err == nil {
		t.Fatalf("expected version error")
	}
	if _, err := Decode([]byte(`{"version":"v1"}`)); err == nil {
		t.Fatalf("expected missing kind error")
	}
}

func TestNewQueueView(t *testing.T) {
	t.Parallel()

	ranked := access.Rank([]access.QueueEntry{
		{RequesterID: "a", Role: access.RoleAdmin, PriorityTier: 2},
		{RequesterID: "g", Role: access.RoleGuest, PriorityTier: 5},
	}, 30*time.Second, access.DefaultPolicy())
	v := NewQueueView(ranked)
	if v.Length != 2 || v.Entries[1].Position != 2 || v.Entries[1].EstimatedWaitMS != (30*time.Second+5*time.Minute).Milliseconds() {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.Entries[0].Role != "admin" {
		t.Fatalf("role: got %q", v.Entries[0].Role)
	}
}
