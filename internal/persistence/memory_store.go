package persistence

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/petrijr/approvalflow/pkg/api"
)

const (
	tableInstances  = "instances"
	tableEvents     = "events"
	tableActivities = "activities"
)

// eventRow wraps an event with a stable primary key for memdb.
type eventRow struct {
	ID         string
	InstanceID string
	Event      api.Event
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					"tenant": {Name: "tenant", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "TenantID"}},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"instance": {Name: "instance", Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
				},
			},
			tableActivities: {
				Name: tableActivities,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"instance": {Name: "instance", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
				},
			},
		},
	}
}

// InMemoryStore is a goroutine-safe InstanceStore and ActivityLedger backed
// by go-memdb. Write transactions are serialized, which makes the sequence
// check in AppendTransition atomic.
type InMemoryStore struct {
	db *memdb.MemDB
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ ActivityLedger = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		// the schema is static; failing here is a programming error
		panic(fmt.Sprintf("persistence: invalid memdb schema: %v", err))
	}
	return &InMemoryStore{db: db}
}

func eventRowID(instanceID string, seq int64) string {
	return fmt.Sprintf("%s/%020d", instanceID, seq)
}

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", inst.InstanceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrInstanceExists
	}
	if err := s.insertLocked(txn, inst, ev); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", inst.InstanceID)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrInstanceNotFound
	}
	if cur := raw.(*api.Instance); ev.Seq != cur.Seq+1 || inst.Seq != ev.Seq {
		return fmt.Errorf("%w: stored seq %d, event seq %d", ErrConflict, cur.Seq, ev.Seq)
	}
	if err := s.insertLocked(txn, inst, ev); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) insertLocked(txn *memdb.Txn, inst *api.Instance, ev api.Event) error {
	if err := txn.Insert(tableInstances, inst.Clone()); err != nil {
		return err
	}
	row := &eventRow{ID: eventRowID(ev.InstanceID, ev.Seq), InstanceID: ev.InstanceID, Event: cloneEvent(ev)}
	return txn.Insert(tableEvents, row)
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrInstanceNotFound
	}
	return raw.(*api.Instance).Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	txn := s.db.Txn(false)

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case opts.EntityID != "":
		it, err = txn.Get(tableInstances, "id", api.InstanceIDFor(opts.EntityID))
	case opts.Status != "":
		it, err = txn.Get(tableInstances, "status", string(opts.Status))
	case opts.TenantID != "":
		it, err = txn.Get(tableInstances, "tenant", opts.TenantID)
	default:
		it, err = txn.Get(tableInstances, "id")
	}
	if err != nil {
		return nil, err
	}

	var result []*api.Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		inst := obj.(*api.Instance)
		if opts.Matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	return result, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableEvents, "instance", id)
	if err != nil {
		return nil, err
	}
	var out []api.Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, cloneEvent(obj.(*eventRow).Event))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) DeleteInstance(ctx context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(tableInstances, "id", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	if _, err := txn.DeleteAll(tableEvents, "instance", id); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableActivities, "instance", id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) GetActivity(ctx context.Context, key string) (api.ActivityRecord, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableActivities, "id", key)
	if err != nil {
		return api.ActivityRecord{}, err
	}
	if raw == nil {
		return api.ActivityRecord{}, ErrActivityNotFound
	}
	return *raw.(*api.ActivityRecord), nil
}

func (s *InMemoryStore) SaveActivity(ctx context.Context, rec api.ActivityRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableActivities, &rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableActivities, "instance", instanceID)
	if err != nil {
		return nil, err
	}
	var out []api.ActivityRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*api.ActivityRecord))
	}
	return out, nil
}

func cloneEvent(ev api.Event) api.Event {
	cp := ev
	cp.Activities = append([]api.ActivityIntent(nil), ev.Activities...)
	return cp
}
