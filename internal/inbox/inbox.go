// Package inbox provides the durable per-instance signal inbox.
//
// Every message gets a sequence number from one global, monotonic counter
// when it is enqueued. The order of those numbers decides races between
// signals and timer fires: an instance actor consumes its messages strictly
// in sequence order and acknowledges each one only after the resulting
// transition is persisted.
package inbox

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Inbox is a durable, ordered message store keyed by instance.
type Inbox interface {
	// Enqueue stores msg and returns it with its assigned Seq.
	Enqueue(ctx context.Context, msg api.Message) (api.Message, error)

	// Pending returns the unacknowledged messages of an instance with a Seq
	// greater than afterSeq, in Seq order.
	Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error)

	// Ack removes a consumed message. Acking an unknown seq is a no-op.
	Ack(ctx context.Context, instanceID string, seq int64) error

	// PendingInstances lists instances that have unacknowledged messages.
	PendingInstances(ctx context.Context) ([]string, error)

	// Len returns the approximate number of unacknowledged messages.
	Len() int
}

// EncodeMessage gob-encodes a Message.
func EncodeMessage(m api.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage gob-decodes a Message.
func DecodeMessage(data []byte) (api.Message, error) {
	var m api.Message
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m)
	return m, err
}
