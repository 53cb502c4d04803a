package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"
)

// ErrSourceClosed ends a lane cleanly.
var ErrSourceClosed = errors.New("source closed")

// Message is one raw inbound record.
type Message struct {
	Topic  string
	Key    []byte
	Value  []byte
	Offset int64

	raw any
}

// Source delivers messages for one topic. Commit marks a message handled;
// uncommitted messages are redelivered after a restart.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, m Message) error
	Close() error
}

// kafkaReader abstracts kafka.Reader for testability.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads a topic through a segmentio/kafka-go consumer group.
type KafkaSource struct {
	reader kafkaReader
}

func NewKafkaSource(brokers []string, topic, groupID string) *KafkaSource {
	return &KafkaSource{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})}
}

// NewKafkaSourceWith is only for tests to inject a fake reader.
func NewKafkaSourceWith(r kafkaReader) *KafkaSource {
	return &KafkaSource{reader: r}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Offset: m.Offset, raw: m}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, m Message) error {
	km, ok := m.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("commit: message not from kafka source")
	}
	return s.reader.CommitMessages(ctx, km)
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

// ConfluentSource reads a topic with the librdkafka consumer and commits manually.
type ConfluentSource struct {
	c    *ck.Consumer
	poll time.Duration
}

func NewConfluentSource(bootstrap, topic, groupID string) (*ConfluentSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
		"session.timeout.ms": 30000,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &ConfluentSource{c: c, poll: time.Second}, nil
}

func (s *ConfluentSource) Fetch(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		msg, err := s.c.ReadMessage(s.poll)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			return Message{}, err
		}
		topic := ""
		if msg.TopicPartition.Topic != nil {
			topic = *msg.TopicPartition.Topic
		}
		return Message{
			Topic:  topic,
			Key:    msg.Key,
			Value:  msg.Value,
			Offset: int64(msg.TopicPartition.Offset),
			raw:    msg,
		}, nil
	}
}

func (s *ConfluentSource) Commit(_ context.Context, m Message) error {
	msg, ok := m.raw.(*ck.Message)
	if !ok {
		return fmt.Errorf("commit: message not from confluent source")
	}
	_, err := s.c.CommitMessage(msg)
	return err
}

func (s *ConfluentSource) Close() error { return s.c.Close() }

// ChanSource feeds a lane from an in-process channel. Closing the channel ends the lane.
type ChanSource struct {
	ch        <-chan Message
	committed chan Message
}

func NewChanSource(ch <-chan Message) *ChanSource {
	return &ChanSource{ch: ch, committed: make(chan Message, 1024)}
}

func (s *ChanSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-s.ch:
		if !ok {
			return Message{}, ErrSourceClosed
		}
		return m, nil
	}
}

// Commit records the message on Committed without blocking once its buffer is full.
func (s *ChanSource) Commit(_ context.Context, m Message) error {
	select {
	case s.committed <- m:
	default:
	}
	return nil
}

// Committed yields committed messages in commit order.
func (s *ChanSource) Committed() <-chan Message { return s.committed }

func (s *ChanSource) Close() error { return nil }
