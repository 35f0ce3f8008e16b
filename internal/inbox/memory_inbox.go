package inbox

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/approvalflow/pkg/api"
)

// InMemoryInbox is an Inbox kept in process memory. It is safe for
// concurrent use and loses its content on restart.
type InMemoryInbox struct {
	mu   sync.Mutex
	seq  int64
	msgs map[string][]api.Message
	n    int
}

// NewInMemoryInbox creates an empty InMemoryInbox.
func NewInMemoryInbox() *InMemoryInbox {
	return &InMemoryInbox{msgs: make(map[string][]api.Message)}
}

// Ensure InMemoryInbox implements Inbox.
var _ Inbox = (*InMemoryInbox)(nil)

func (q *InMemoryInbox) Enqueue(ctx context.Context, msg api.Message) (api.Message, error) {
	if err := ctx.Err(); err != nil {
		return api.Message{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	msg.Seq = q.seq
	q.msgs[msg.InstanceID] = append(q.msgs[msg.InstanceID], msg)
	q.n++
	return msg, nil
}

func (q *InMemoryInbox) Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []api.Message
	for _, m := range q.msgs[instanceID] {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *InMemoryInbox) Ack(ctx context.Context, instanceID string, seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.msgs[instanceID]
	for i, m := range list {
		if m.Seq == seq {
			list = append(list[:i:i], list[i+1:]...)
			q.n--
			break
		}
	}
	if len(list) == 0 {
		delete(q.msgs, instanceID)
	} else {
		q.msgs[instanceID] = list
	}
	return nil
}

func (q *InMemoryInbox) PendingInstances(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.msgs))
	for id := range q.msgs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (q *InMemoryInbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
