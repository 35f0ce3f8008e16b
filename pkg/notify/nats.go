package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/petrijr/approvalflow/pkg/api"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
// Events go to <prefix>.<template>.
const DefaultSubjectPrefix = "notifications.approval"

// Publisher is the part of jetstream.JetStream the notifier uses.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSConfig configures Connect.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NATSNotifier publishes notification events to JetStream.
//
// Messages carry a Nats-Msg-Id derived from the activity key and the
// recipient, so a retried or re-dispatched activity is deduplicated by the
// stream within its duplicate window.
type NATSNotifier struct {
	js     Publisher
	prefix string
}

var _ api.Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier wraps an existing JetStream context.
func NewNATSNotifier(js Publisher, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{js: js, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

// Connect dials NATS and returns a notifier plus a function that drains and
// closes the connection.
func Connect(cfg NATSConfig) (*NATSNotifier, func(), error) {
	if cfg.URL == "" {
		return nil, nil, errors.New("notify: nats url is required")
	}
	opts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("notify: jetstream: %w", err)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return NewNATSNotifier(js, cfg.SubjectPrefix), closeFn, nil
}

// Subject returns the subject a template is published on.
func (n *NATSNotifier) Subject(template string) string {
	return n.prefix + "." + template
}

// Send publishes the event and returns "<stream>/<sequence>" as the delivery
// id.
func (n *NATSNotifier) Send(ctx context.Context, userRef, template string, data map[string]string) (string, error) {
	if userRef == "" {
		return "", fmt.Errorf("notify: %w: empty recipient", api.ErrInvalidRequest)
	}
	body, err := json.Marshal(NewEvent(userRef, template, data))
	if err != nil {
		return "", fmt.Errorf("notify: marshal event: %w", err)
	}

	msg := nats.NewMsg(n.Subject(template))
	msg.Data = body
	msg.Header.Set("Content-Type", "application/json")
	if key := data["activity_key"]; key != "" {
		msg.Header.Set(nats.MsgIdHdr, key+"/"+userRef)
	}

	ack, err := n.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("notify: publish %s: %w", msg.Subject, err)
	}
	return fmt.Sprintf("%s/%d", ack.Stream, ack.Sequence), nil
}
