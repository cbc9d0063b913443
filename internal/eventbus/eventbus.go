// Package eventbus moves serialized access events between processes over Kafka,
// or over newline-delimited stdio for local runs and tests.
package eventbus

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// DefaultTopic carries every access event envelope.
const DefaultTopic = "accessq.events.v1"

const (
	envKafkaTLS          = "ACCESSQ_KAFKA_TLS"
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var ErrInvalidConfig = errors.New("eventbus: invalid config")

// Record is one event delivered to a consumer.
type Record struct {
	Topic string
	// Key is the partitioning key; access events use the resource id so a
	// resource's events stay ordered within one partition.
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time (stdio).
	Timestamp time.Time

	commit func(context.Context) error
}

// Commit marks the record processed. It is a no-op for stdio.
func (r Record) Commit(ctx context.Context) error {
	if r.commit == nil {
		return nil
	}
	return r.commit(ctx)
}

type Consumer interface {
	Records() <-chan Record
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields. An empty Group reads the single Topic from its tail without
	// committing offsets.
	Brokers []string
	Group   string
	Topic   string

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverStdio
	}
	return v
}

// SplitCommaList splits a flag value like "b1:9092, b2:9092" dropping blanks.
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSConfig() *tls.Config {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	default:
		return nil
	}
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	grouped bool

	recCh chan Record
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	topic := strings.TrimSpace(cfg.Topic)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka consumer requires a topic", ErrInvalidConfig)
	}
	minBytes := cfg.KafkaMinBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	maxBytes := cfg.KafkaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes must be >= min bytes", ErrInvalidConfig)
	}

	group := strings.TrimSpace(cfg.Group)
	readerCfg := kafka.ReaderConfig{
		Brokers:  brokers,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
	}
	if group != "" {
		readerCfg.GroupID = group
		readerCfg.GroupTopics = []string{topic}
	} else {
		readerCfg.Topic = topic
		readerCfg.StartOffset = kafka.LastOffset
	}
	if tlsCfg := kafkaTLSConfig(); tlsCfg != nil {
		readerCfg.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: tlsCfg}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader:  kafka.NewReader(readerCfg),
		grouped: group != "",
		recCh:   make(chan Record, 64),
		errCh:   make(chan error, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.recCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		rec := Record{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
		}
		if c.grouped {
			rec.commit = func(commitCtx context.Context) error {
				return c.reader.CommitMessages(commitCtx, km)
			}
		}
		select {
		case c.recCh <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Records() <-chan Record { return c.recCh }

func (c *kafkaConsumer) Errors() <-chan error { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type stdioConsumer struct {
	recCh chan Record
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) Consumer {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		recCh:  make(chan Record, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.recCh)
		defer close(c.errCh)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			rec := Record{
				Topic:     cfg.Topic,
				Value:     append([]byte(nil), line...),
				Timestamp: time.Now().UTC(),
			}
			select {
			case c.recCh <- rec:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c
}

func (c *stdioConsumer) Records() <-chan Record { return c.recCh }

func (c *stdioConsumer) Errors() <-chan error { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if tlsCfg := kafkaTLSConfig(); tlsCfg != nil {
		writer.Transport = &kafka.Transport{TLS: tlsCfg}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

// Publish writes payload as one line; the topic and key are not framed.
func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := p.w.Write(buf)
	return err
}

func (p *stdioProducer) Close() error { return nil }
