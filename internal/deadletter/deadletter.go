// Package deadletter records replication events that could not be applied.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Letter is one failed event together with why it failed.
type Letter struct {
	Topic    string          `json:"topic"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failedAt"`
}

// NewLetter captures value as JSON when it is valid JSON and as a string otherwise.
func NewLetter(topic, key string, value []byte, cause error, attempts int) Letter {
	l := Letter{Topic: topic, Key: key, Attempts: attempts, FailedAt: time.Now().UTC()}
	if cause != nil {
		l.Error = cause.Error()
	}
	if json.Valid(value) {
		l.Value = append(json.RawMessage(nil), value...)
	} else {
		l.Raw = string(value)
	}
	return l
}

type Writer interface {
	Append(ctx context.Context, l Letter) error
}

// MultiWriter fans out writes to multiple underlying writers. Every writer is
// attempted; their errors are joined.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, l Letter) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Append(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter appends letters to a JSONL file.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(_ context.Context, l Letter) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&l); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes letters to a dead-letter topic.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func (k *KafkaWriter) Append(ctx context.Context, l Letter) error {
	b, err := json.Marshal(&l)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(l.Key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "source-topic", Value: []byte(l.Topic)},
		},
	})
}

// Close releases the underlying writer when it supports closing.
func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// SplitBrokers turns "a:9092, b:9092" into a broker list, dropping blanks.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
