// Package resync asks the owning services to re-emit a full INITIAL_LOAD of an
// entity type when a local replica is found empty.
package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/deadletter"
)

// Request is the payload published on the resync topic.
type Request struct {
	Entity      string    `json:"entity"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Requester signals that an entity replica needs a full reload. Implementations
// must not block the caller for long; validation calls Request inline.
type Requester interface {
	Request(ctx context.Context, entity, reason string) error
}

// Now is overridable in tests.
var Now = func() time.Time { return time.Now().UTC() }

// debouncer lets one request per entity through per window.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, last: make(map[string]time.Time)}
}

func (d *debouncer) allow(entity string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.last[entity]; ok && now.Sub(t) < d.window {
		return false
	}
	d.last[entity] = now
	return true
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaRequester publishes requests keyed by entity.
type KafkaRequester struct {
	writer   kafkaMessageWriter
	debounce *debouncer
	log      *slog.Logger
}

// NewKafkaRequester creates a requester on topic. bootstrap can be comma-separated brokers.
func NewKafkaRequester(bootstrap, topic string, window time.Duration, lg *slog.Logger) *KafkaRequester {
	return NewKafkaRequesterWith(&kafka.Writer{
		Addr:         kafka.TCP(deadletter.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 2 * time.Second,
	}, window, lg)
}

// NewKafkaRequesterWith is only for tests to inject a fake writer.
func NewKafkaRequesterWith(w kafkaMessageWriter, window time.Duration, lg *slog.Logger) *KafkaRequester {
	if lg == nil {
		lg = slog.Default()
	}
	return &KafkaRequester{writer: w, debounce: newDebouncer(window), log: lg}
}

func (k *KafkaRequester) Request(ctx context.Context, entity, reason string) error {
	now := Now()
	if !k.debounce.allow(entity, now) {
		return nil
	}
	b, err := json.Marshal(Request{Entity: entity, Reason: reason, RequestedAt: now})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(entity), Value: b}); err != nil {
		return fmt.Errorf("publish resync: %w", err)
	}
	k.log.Info("resync requested", "entity", entity, "reason", reason)
	return nil
}

// Close closes the underlying writer when it supports it.
func (k *KafkaRequester) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// LogRequester only logs; used when no resync topic is configured.
type LogRequester struct {
	debounce *debouncer
	log      *slog.Logger
}

func NewLogRequester(window time.Duration, lg *slog.Logger) *LogRequester {
	if lg == nil {
		lg = slog.Default()
	}
	return &LogRequester{debounce: newDebouncer(window), log: lg}
}

func (l *LogRequester) Request(_ context.Context, entity, reason string) error {
	if l.debounce.allow(entity, Now()) {
		l.log.Warn("resync needed, no resync topic configured", "entity", entity, "reason", reason)
	}
	return nil
}
