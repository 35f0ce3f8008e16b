package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow/pkg/api"
)

// MongoInbox implements Inbox on MongoDB. Sequence numbers come from a
// counter document incremented with $inc.
//
// Each instance has one document holding its unacknowledged messages and
// the highest seq it accepted. A message is pushed only while its seq is
// above that mark, in the same single-document update, so the messages of
// an instance become visible in seq order. A writer that loses the race
// draws a new seq and tries again.
type MongoInbox struct {
	inboxes  *mongo.Collection
	counters *mongo.Collection
}

// NewMongoInbox creates a Mongo-backed inbox. dbName defaults to
// "approvalflow" if empty.
func NewMongoInbox(client *mongo.Client, dbName string) *MongoInbox {
	if dbName == "" {
		dbName = "approvalflow"
	}
	db := client.Database(dbName)
	return &MongoInbox{
		inboxes:  db.Collection("inbox"),
		counters: db.Collection("counters"),
	}
}

// Ensure MongoInbox implements Inbox.
var _ Inbox = (*MongoInbox)(nil)

type mongoInboxDoc struct {
	InstanceID string            `bson:"_id"`
	Last       int64             `bson:"last"`
	Messages   []mongoMessageDoc `bson:"msgs"`
}

type mongoMessageDoc struct {
	Seq     int64  `bson:"seq"`
	Message []byte `bson:"message"`
}

// maxEnqueueAttempts bounds how often Enqueue redraws a seq after losing
// to a concurrent writer of the same instance.
const maxEnqueueAttempts = 16

func (q *MongoInbox) nextSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := q.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "inbox_seq"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Value, err
}

func (q *MongoInbox) Enqueue(ctx context.Context, msg api.Message) (api.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg.Seq = 0
	data, err := EncodeMessage(msg)
	if err != nil {
		return api.Message{}, err
	}
	for range maxEnqueueAttempts {
		seq, err := q.nextSeq(ctx)
		if err != nil {
			return api.Message{}, err
		}
		ok, err := q.push(ctx, msg.InstanceID, seq, data)
		if err != nil {
			return api.Message{}, err
		}
		if ok {
			msg.Seq = seq
			return msg, nil
		}
	}
	return api.Message{}, fmt.Errorf("enqueue %s: too much contention", msg.InstanceID)
}

// push appends the message when seq is above the instance's mark. It
// reports false when another writer already pushed a higher seq.
func (q *MongoInbox) push(ctx context.Context, instanceID string, seq int64, data []byte) (bool, error) {
	_, err := q.inboxes.UpdateOne(ctx,
		bson.M{"_id": instanceID, "last": bson.M{"$lt": seq}},
		bson.M{
			"$set":  bson.M{"last": seq},
			"$push": bson.M{"msgs": mongoMessageDoc{Seq: seq, Message: data}},
		},
		options.Update().SetUpsert(true),
	)
	switch {
	case err == nil:
		return true, nil
	case mongo.IsDuplicateKeyError(err):
		// the document exists with a mark at or above seq
		return false, nil
	default:
		return false, err
	}
}

func (q *MongoInbox) Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoInboxDoc
	err := q.inboxes.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(doc.Messages, func(i, j int) bool { return doc.Messages[i].Seq < doc.Messages[j].Seq })

	var out []api.Message
	for _, md := range doc.Messages {
		if md.Seq <= afterSeq {
			continue
		}
		m, err := DecodeMessage(md.Message)
		if err != nil {
			return nil, err
		}
		m.Seq = md.Seq
		out = append(out, m)
	}
	return out, nil
}

func (q *MongoInbox) Ack(ctx context.Context, instanceID string, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := q.inboxes.UpdateOne(ctx,
		bson.M{"_id": instanceID},
		bson.M{"$pull": bson.M{"msgs": bson.M{"seq": seq}}},
	)
	return err
}

func (q *MongoInbox) PendingInstances(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	vals, err := q.inboxes.Distinct(ctx, "_id", bson.M{"msgs.0": bson.M{"$exists": true}})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (q *MongoInbox) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := q.inboxes.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"n":   bson.M{"$sum": bson.M{"$size": bson.M{"$ifNull": bson.A{"$msgs", bson.A{}}}}},
		}}},
	})
	if err != nil {
		return 0
	}
	defer cur.Close(ctx)

	var res []struct {
		N int64 `bson:"n"`
	}
	if err := cur.All(ctx, &res); err != nil || len(res) == 0 {
		return 0
	}
	return int(res[0].N)
}
