package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkKeysByEntity(t *testing.T) {
	at := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w, func() time.Time { return at })

	err := s.Append(context.Background(), "inv-1", "status_changed",
		map[string]string{"status": "draft"},
		map[string]string{"status": "pending_approval"})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	require.Equal(t, []byte("inv-1"), msg.Key)
	require.Equal(t, "action", msg.Headers[0].Key)
	require.Equal(t, []byte("status_changed"), msg.Headers[0].Value)

	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	require.Equal(t, "inv-1", rec.EntityID)
	require.Equal(t, "draft", rec.Before["status"])
	require.Equal(t, "pending_approval", rec.After["status"])
	require.True(t, at.Equal(rec.At))

	require.NoError(t, s.Close())
	require.True(t, w.closed)
}

func TestKafkaSinkWriteError(t *testing.T) {
	s := NewKafkaSinkWithWriter(&fakeWriter{err: errors.New("leader not available")}, nil)
	err := s.Append(context.Background(), "inv-1", "decision_recorded", nil, nil)
	require.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "audit"})
	require.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "approvals.audit"})
	require.NoError(t, err)
	w, ok := s.w.(*kafka.Writer)
	require.True(t, ok)
	require.Equal(t, "approvals.audit", w.Topic)
	require.NoError(t, s.Close())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, s.Append(context.Background(), "inv-2", "decision_recorded", nil, map[string]string{"outcome": "approve"}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "audit_appended", line["msg"])
	require.Equal(t, "inv-2", line["entity_id"])
}
