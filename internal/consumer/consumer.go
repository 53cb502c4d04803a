// Package consumer applies replication events to replica stores. Each entity
// type runs on its own single-goroutine lane so events for a key are applied
// in arrival order.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ordersync/internal/deadletter"
	"ordersync/internal/event"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
)

// State is the lane state: Idle -> Processing -> (Applied | Retrying) -> Idle.
type State int32

const (
	Idle State = iota
	Processing
	Applied
	Retrying
)

func (s State) String() string {
	switch s {
	case Processing:
		return "processing"
	case Applied:
		return "applied"
	case Retrying:
		return "retrying"
	default:
		return "idle"
	}
}

// Applier is the write side of a replica as seen by a lane.
type Applier[V any] interface {
	Upsert(id int64, v V) error
	Delete(id int64) error
}

// Decoder turns an upsert envelope into the replicated value.
type Decoder[V any] func(env event.Envelope) (V, error)

// DecodeItem decodes an item payload; the envelope id is authoritative.
// A payload without a price is malformed.
func DecodeItem(env event.Envelope) (model.Item, error) {
	it, err := event.DecodePayload[model.Item](env)
	if err != nil {
		return model.Item{}, err
	}
	if !model.HasPrice(env.Payload) {
		return model.Item{}, fmt.Errorf("%w: item %d has no price", event.ErrMalformed, env.ID)
	}
	it.ID = env.ID
	return it, nil
}

// DecodeAccount decodes an account payload; the envelope id is authoritative.
func DecodeAccount(env event.Envelope) (model.Account, error) {
	acc, err := event.DecodePayload[model.Account](env)
	if err != nil {
		return model.Account{}, err
	}
	acc.ID = env.ID
	return acc, nil
}

// LaneConfig configures one lane. Zero values fall back to 3 retries at 1s.
type LaneConfig struct {
	Entity     string // "items" or "accounts", used as a metric label
	Topic      string
	MaxRetries uint
	Backoff    time.Duration
	DeadLetter deadletter.Writer
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

// Lane consumes one entity-type topic into one replica.
type Lane[V any] struct {
	cfg    LaneConfig
	store  Applier[V]
	decode Decoder[V]
	log    *slog.Logger
	state  atomic.Int32
}

func NewLane[V any](cfg LaneConfig, store Applier[V], decode Decoder[V]) *Lane[V] {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Lane[V]{
		cfg:    cfg,
		store:  store,
		decode: decode,
		log:    lg.With("topic", cfg.Topic),
	}
}

func (l *Lane[V]) State() State { return State(l.state.Load()) }

func (l *Lane[V]) setState(s State) { l.state.Store(int32(s)) }

// Run reads from src until ctx is cancelled or the source is exhausted,
// committing each message after it has been handled.
func (l *Lane[V]) Run(ctx context.Context, src Source) error {
	l.log.Info("lane started")
	for {
		m, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("lane shutting down")
				return nil
			}
			if errors.Is(err, ErrSourceClosed) {
				l.log.Info("source closed")
				return nil
			}
			l.log.Error("fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.cfg.Backoff):
			}
			continue
		}
		if err := l.Handle(ctx, m); err != nil {
			// Leave the message uncommitted so it is redelivered after a restart.
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("lane stopped", "offset", m.Offset, "err", err)
			return err
		}
		if err := src.Commit(ctx, m); err != nil {
			l.log.Error("commit failed", "offset", m.Offset, "err", err)
		}
	}
}

// Handle applies one message. Failures to apply are logged and dead-lettered
// so the lane keeps moving. An error is returned only when ctx is cancelled or
// the dead-letter write itself keeps failing; the message must then not be
// committed.
func (l *Lane[V]) Handle(ctx context.Context, m Message) error {
	l.setState(Processing)
	defer l.setState(Idle)

	env, err := event.Decode(m.Value)
	if err != nil {
		return l.deadLetter(ctx, m, err, 1)
	}
	log := l.log.With("event_id", env.ID, "event_type", env.Tag)

	if env.Type == event.Unknown {
		log.Warn("unknown event type, discarding")
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.EventsDiscarded.WithLabelValues(l.cfg.Topic).Inc()
		}
		return nil
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			l.setState(Retrying)
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.EventRetries.WithLabelValues(l.cfg.Topic).Inc()
			}
		}
		return struct{}{}, l.apply(env)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.Backoff)),
		backoff.WithMaxTries(l.cfg.MaxRetries+1),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("event not applied", "attempts", attempts, "err", err)
		return l.deadLetter(ctx, m, err, attempts)
	}

	l.setState(Applied)
	log.Debug("event applied")
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.EventsApplied.WithLabelValues(l.cfg.Topic, env.Type.String()).Inc()
		if c, ok := l.store.(interface{ Count() (int, error) }); ok {
			if n, err := c.Count(); err == nil {
				l.cfg.Metrics.ReplicaRecords.WithLabelValues(l.cfg.Entity).Set(float64(n))
			}
		}
	}
	return nil
}

func (l *Lane[V]) apply(env event.Envelope) error {
	if env.Type == event.Deleted {
		if err := l.store.Delete(env.ID); err != nil {
			return fmt.Errorf("delete %d: %w", env.ID, err)
		}
		return nil
	}
	v, err := l.decode(env)
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := l.store.Upsert(env.ID, v); err != nil {
		return fmt.Errorf("upsert %d: %w", env.ID, err)
	}
	return nil
}

func (l *Lane[V]) deadLetter(ctx context.Context, m Message, cause error, attempts int) error {
	if l.cfg.DeadLetter == nil {
		l.log.Error("dropping event, no dead-letter writer", "offset", m.Offset, "err", cause)
		return nil
	}
	key := string(m.Key)
	if key == "" {
		key = strconv.FormatInt(m.Offset, 10)
	}
	letter := deadletter.NewLetter(l.cfg.Topic, key, m.Value, cause, attempts)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.cfg.DeadLetter.Append(ctx, letter)
		if err != nil {
			l.log.Warn("dead-letter write failed", "offset", m.Offset, "err", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.Backoff)),
		backoff.WithMaxTries(l.cfg.MaxRetries+1),
	)
	if err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", m.Offset, err)
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.EventsDeadLettered.WithLabelValues(l.cfg.Topic).Inc()
	}
	return nil
}
