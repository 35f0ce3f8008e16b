package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/petrijr/approvalflow/pkg/api"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures NewKafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaSink appends audit entries to a Kafka topic. Entries are keyed by
// entity id so every entity's trail stays ordered within one partition.
type KafkaSink struct {
	w   MessageWriter
	now func() time.Time
}

var _ api.AuditSink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink with a synchronous kafka.Writer that waits for
// all in-sync replicas.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("audit: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("audit: kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return NewKafkaSinkWithWriter(w, nil), nil
}

// NewKafkaSinkWithWriter wraps an existing writer. If now is nil, time.Now
// stamps the records.
func NewKafkaSinkWithWriter(w MessageWriter, now func() time.Time) *KafkaSink {
	if now == nil {
		now = time.Now
	}
	return &KafkaSink{w: w, now: now}
}

func (s *KafkaSink) Append(ctx context.Context, entityID, action string, before, after map[string]string) error {
	rec := Record{
		EntityID: entityID,
		Action:   action,
		Before:   before,
		After:    after,
		At:       s.now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(entityID),
		Value: value,
		Time:  rec.At,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(action)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("audit: write %s: %w", action, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
