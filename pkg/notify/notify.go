// Package notify contains api.Notifier implementations.
//
// NATSNotifier publishes every notification as a JSON event to NATS
// JetStream, where a separate delivery service renders the template and
// reaches the user. LogNotifier writes the same event to a slog.Logger and is
// meant for local development.
package notify

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Event is the JSON document published for one notification.
type Event struct {
	Template   string            `json:"template"`
	Recipient  string            `json:"recipient"`
	InstanceID string            `json:"instance_id,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// NewEvent builds the event for a Notifier.Send call.
func NewEvent(userRef, template string, data map[string]string) Event {
	return Event{
		Template:   template,
		Recipient:  userRef,
		InstanceID: data["instance_id"],
		EntityID:   data["entity_id"],
		TenantID:   data["tenant_id"],
		Data:       data,
	}
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ api.Notifier = (*LogNotifier)(nil)

// NewLogNotifier returns a LogNotifier. If logger is nil, slog.Default() is
// used.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, userRef, template string, data map[string]string) (string, error) {
	id := uuid.NewString()
	attrs := []any{
		slog.String("delivery_id", id),
		slog.String("template", template),
		slog.String("recipient", userRef),
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, data[k]))
	}
	n.Logger.InfoContext(ctx, "notification_sent", attrs...)
	return id, nil
}
