package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow/pkg/api"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore is an InstanceStore and ActivityLedger backed by MongoDB.
//
// Snapshots, events and activity records live in three collections. An
// append first inserts the event under a unique "<id>/<seq>" key and then
// moves the snapshot forward with a filter on the previous seq, so two
// writers racing on the same seq cannot both succeed. An event left behind
// by a failed snapshot update is overwritten by the next append at that seq.
// Appends for one instance must come from a single writer.
type MongoStore struct {
	instances  *mongo.Collection
	events     *mongo.Collection
	activities *mongo.Collection
}

var _ InstanceStore = (*MongoStore)(nil)

var _ ActivityLedger = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to
// "approvalflow" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "approvalflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances:  db.Collection("instances"),
		events:     db.Collection("events"),
		activities: db.Collection("activities"),
	}
}

type mongoInstanceDoc struct {
	ID        string `bson:"_id"`
	RunID     string `bson:"run_id"`
	EntityID  string `bson:"entity_id"`
	TenantID  string `bson:"tenant_id"`
	Status    string `bson:"status"`
	Seq       int64  `bson:"seq"`
	UpdatedAt int64  `bson:"updated_at"`
	Snapshot  []byte `bson:"snapshot"`
}

type mongoEventDoc struct {
	ID         string `bson:"_id"`
	InstanceID string `bson:"instance_id"`
	Seq        int64  `bson:"seq"`
	RunID      string `bson:"run_id"`
	Type       string `bson:"type"`
	InboxSeq   int64  `bson:"inbox_seq"`
	At         int64  `bson:"at"`
	Body       []byte `bson:"body,omitempty"`
}

type mongoActivityDoc struct {
	Key        string `bson:"_id"`
	InstanceID string `bson:"instance_id"`
	Name       string `bson:"name"`
	Status     string `bson:"status"`
	Attempts   int    `bson:"attempts"`
	Error      string `bson:"error,omitempty"`
	FinishedAt int64  `bson:"finished_at"`
}

func toInstanceDoc(inst *api.Instance) (mongoInstanceDoc, error) {
	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:        inst.InstanceID,
		RunID:     inst.RunID,
		EntityID:  inst.EntityID,
		TenantID:  inst.TenantID,
		Status:    string(inst.Status),
		Seq:       inst.Seq,
		UpdatedAt: inst.UpdatedAt.UnixNano(),
		Snapshot:  snapshot,
	}, nil
}

func toEventDoc(ev api.Event) (mongoEventDoc, error) {
	body, err := encodeEventBody(ev)
	if err != nil {
		return mongoEventDoc{}, err
	}
	return mongoEventDoc{
		ID:         eventRowID(ev.InstanceID, ev.Seq),
		InstanceID: ev.InstanceID,
		Seq:        ev.Seq,
		RunID:      ev.RunID,
		Type:       string(ev.Type),
		InboxSeq:   ev.InboxSeq,
		At:         ev.At.UnixNano(),
		Body:       body,
	}, nil
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc, err := toInstanceDoc(inst)
	if err != nil {
		return err
	}
	evDoc, err := toEventDoc(ev)
	if err != nil {
		return err
	}

	if _, err := s.instances.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrInstanceExists
		}
		return err
	}
	_, err = s.events.ReplaceOne(ctx, bson.M{"_id": evDoc.ID}, evDoc, options.Replace().SetUpsert(true))
	if err != nil {
		// best-effort rollback so a retry can create the instance again
		_, _ = s.instances.DeleteOne(context.Background(), bson.M{"_id": doc.ID})
	}
	return err
}

func (s *MongoStore) AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if inst.Seq != ev.Seq {
		return fmt.Errorf("%w: snapshot seq %d, event seq %d", ErrConflict, inst.Seq, ev.Seq)
	}
	doc, err := toInstanceDoc(inst)
	if err != nil {
		return err
	}
	evDoc, err := toEventDoc(ev)
	if err != nil {
		return err
	}

	cur, err := s.storedSeq(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if ev.Seq != cur+1 {
		return fmt.Errorf("%w: stored seq %d, event seq %d", ErrConflict, cur, ev.Seq)
	}

	// an event at this seq can only exist as a leftover of a failed append
	if _, err := s.events.ReplaceOne(ctx, bson.M{"_id": evDoc.ID}, evDoc, options.Replace().SetUpsert(true)); err != nil {
		return err
	}

	res, err := s.instances.ReplaceOne(ctx, bson.M{"_id": doc.ID, "seq": cur}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) storedSeq(ctx context.Context, id string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.instances.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"seq": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrInstanceNotFound
		}
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeSnapshot(doc.Snapshot)
}

func (s *MongoStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.EntityID != "" {
		filter["entity_id"] = opts.EntityID
	}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	if !opts.UpdatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": opts.UpdatedBefore.UnixNano()}
	}

	cur, err := s.instances.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := decodeSnapshot(doc.Snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (s *MongoStore) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	// events above the snapshot seq are leftovers of failed appends
	last, err := s.storedSeq(ctx, id)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cur, err := s.events.Find(ctx,
		bson.M{"instance_id": id, "seq": bson.M{"$lte": last}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev := api.Event{
			InstanceID: doc.InstanceID,
			Seq:        doc.Seq,
			RunID:      doc.RunID,
			Type:       api.EventType(doc.Type),
			InboxSeq:   doc.InboxSeq,
			At:         time.Unix(0, doc.At).UTC(),
		}
		if err := decodeEventBody(doc.Body, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (s *MongoStore) DeleteInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.instances.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrInstanceNotFound
	}
	if _, err := s.events.DeleteMany(ctx, bson.M{"instance_id": id}); err != nil {
		return err
	}
	_, err = s.activities.DeleteMany(ctx, bson.M{"instance_id": id})
	return err
}

func (s *MongoStore) GetActivity(ctx context.Context, key string) (api.ActivityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoActivityDoc
	err := s.activities.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.ActivityRecord{}, ErrActivityNotFound
		}
		return api.ActivityRecord{}, err
	}
	return fromActivityDoc(doc), nil
}

func (s *MongoStore) SaveActivity(ctx context.Context, rec api.ActivityRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc := mongoActivityDoc{
		Key:        rec.Key,
		InstanceID: rec.InstanceID,
		Name:       string(rec.Name),
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
		Error:      rec.Error,
		FinishedAt: rec.FinishedAt.UnixNano(),
	}
	_, err := s.activities.ReplaceOne(ctx, bson.M{"_id": rec.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cur, err := s.activities.Find(ctx, bson.M{"instance_id": instanceID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.ActivityRecord
	for cur.Next(ctx) {
		var doc mongoActivityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromActivityDoc(doc))
	}
	return out, cur.Err()
}

func fromActivityDoc(doc mongoActivityDoc) api.ActivityRecord {
	return api.ActivityRecord{
		Key:        doc.Key,
		InstanceID: doc.InstanceID,
		Name:       api.ActivityName(doc.Name),
		Status:     api.ActivityStatus(doc.Status),
		Attempts:   doc.Attempts,
		Error:      doc.Error,
		FinishedAt: time.Unix(0, doc.FinishedAt).UTC(),
	}
}
