package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/approvalflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by CreateInstance for a duplicate id.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrConflict is returned by AppendTransition when the event does not
	// directly follow the stored snapshot.
	ErrConflict = errors.New("sequence conflict")

	// ErrActivityNotFound is returned when a ledger key has no record.
	ErrActivityNotFound = errors.New("activity not found")
)

// InstanceStore keeps instance snapshots together with their append-only
// history. A snapshot and the event that produced it are always written
// atomically, or as close to it as the backend allows.
type InstanceStore interface {
	// CreateInstance stores the first snapshot and its created event.
	CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error

	// AppendTransition appends ev and replaces the snapshot with inst.
	// ev.Seq must equal the stored snapshot's Seq + 1.
	AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error

	GetInstance(ctx context.Context, id string) (*api.Instance, error)
	ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error)

	// ListEvents returns the instance history ordered by Seq.
	ListEvents(ctx context.Context, id string) ([]api.Event, error)

	// DeleteInstance removes the snapshot and its history.
	DeleteInstance(ctx context.Context, id string) error
}

// ActivityLedger records finished activity keys.
type ActivityLedger interface {
	GetActivity(ctx context.Context, key string) (api.ActivityRecord, error)
	// SaveActivity inserts or replaces the record for rec.Key.
	SaveActivity(ctx context.Context, rec api.ActivityRecord) error
	ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error)
}
