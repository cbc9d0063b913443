package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/projectdesk/accessq/internal/eventbus"
)

var ErrInvalidConfig = errors.New("notify: invalid config")

// BusSink publishes events as JSON envelopes keyed by resource id.
type BusSink struct {
	producer eventbus.Producer
	topic    string
}

func NewBusSink(producer eventbus.Producer, topic string) (*BusSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = eventbus.DefaultTopic
	}
	return &BusSink{producer: producer, topic: topic}, nil
}

func (b *BusSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", e.Kind, err)
	}
	key := e.ResourceID
	if key == "" {
		key = string(e.Kind)
	}
	if err := b.producer.Publish(ctx, b.topic, []byte(key), payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", e.Kind, err)
	}
	return nil
}

// Decode parses one bus envelope.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	if e.Version != Version {
		return Event{}, fmt.Errorf("notify: unsupported event version %q", e.Version)
	}
	if e.Kind == "" || e.ID == "" {
		return Event{}, errors.New("notify: event missing kind or id")
	}
	return e, nil
}
