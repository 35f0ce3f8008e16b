// Package audit contains api.AuditSink implementations.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Record is the JSON document written for one audit entry.
type Record struct {
	EntityID string            `json:"entity_id"`
	Action   string            `json:"action"`
	Before   map[string]string `json:"before,omitempty"`
	After    map[string]string `json:"after,omitempty"`
	At       time.Time         `json:"at"`
}

// LogSink writes audit entries to a slog.Logger.
type LogSink struct {
	Logger *slog.Logger
}

var _ api.AuditSink = (*LogSink)(nil)

// NewLogSink returns a LogSink. If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Append(ctx context.Context, entityID, action string, before, after map[string]string) error {
	s.Logger.InfoContext(ctx, "audit_appended",
		slog.String("entity_id", entityID),
		slog.String("action", action),
		slog.Any("before", before),
		slog.Any("after", after),
	)
	return nil
}
