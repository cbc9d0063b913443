package notify

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/projectdesk/accessq/internal/idempotency"
)

const defaultSinkTimeout = 2 * time.Second

// Sink receives stamped events. Errors are logged by the Publisher and never
// reach the operation that emitted the event.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type PublisherConfig struct {
	Now    func() time.Time
	Logger *slog.Logger
	// SinkTimeout bounds each sink call. Defaults to 2s.
	SinkTimeout time.Duration
}

// Publisher stamps events with an id and time and hands them to every sink in
// order. A nil *Publisher drops everything.
type Publisher struct {
	now     func() time.Time
	log     *slog.Logger
	timeout time.Duration
	sinks   []Sink
	seq     atomic.Uint64
}

func NewPublisher(cfg PublisherConfig, sinks ...Sink) *Publisher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Publisher{
		now:     cfg.Now,
		log:     cfg.Logger,
		timeout: cfg.SinkTimeout,
		sinks:   kept,
	}
}

func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	seq := p.seq.Add(1)
	e.Version = Version
	if e.At.IsZero() {
		e.At = p.now().UTC()
	}
	e.Channels = withObservers(e.Channels)
	e.ID = idempotency.EventIDHex(string(e.Kind), e.subject(), seq)

	for _, s := range p.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		err := s.Publish(sctx, e)
		cancel()
		if err != nil {
			p.log.Warn("notify sink failed", "kind", e.Kind, "id", e.ID, "err", err)
		}
	}
}

func withObservers(channels []string) []string {
	for _, c := range channels {
		if c == ObserversChannel {
			return channels
		}
	}
	out := make([]string, 0, len(channels)+1)
	out = append(out, channels...)
	return append(out, ObserversChannel)
}
