package inbox

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/approvalflow/pkg/api"
)

// RedisInbox implements Inbox using Redis.
//
// It uses the keys:
//
//	<prefix>inbox:seq        => INCR counter for the global sequence
//	<prefix>inbox:msgs       => HASH seq -> gob-encoded Message (Seq unset)
//	<prefix>inbox:all        => ZSET of members "<seq>|<instanceID>" scored by seq
//	<prefix>inbox:i:<id>     => ZSET of pending seqs for one instance
type RedisInbox struct {
	client *redis.Client
	prefix string
}

// NewRedisInbox constructs a Redis-backed Inbox.
// prefix is optional but recommended (e.g. "approvalflow:").
func NewRedisInbox(client *redis.Client, prefix string) *RedisInbox {
	if prefix == "" {
		prefix = "approvalflow:"
	}
	return &RedisInbox{client: client, prefix: prefix}
}

// Ensure RedisInbox implements Inbox.
var _ Inbox = (*RedisInbox)(nil)

func (q *RedisInbox) keySeq() string               { return q.prefix + "inbox:seq" }
func (q *RedisInbox) keyMsgs() string              { return q.prefix + "inbox:msgs" }
func (q *RedisInbox) keyAll() string               { return q.prefix + "inbox:all" }
func (q *RedisInbox) keyInstance(id string) string { return q.prefix + "inbox:i:" + id }

func allMember(instanceID string, seq int64) string {
	return strconv.FormatInt(seq, 10) + "|" + instanceID
}

// enqueueScript assigns the sequence number and makes the message visible in
// one step, so a reader never sees seq N+1 of an instance before seq N.
//
//	KEYS: seq counter, message hash, instance zset, global zset
//	ARGV: encoded message, instance id
var enqueueScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], seq, ARGV[1])
redis.call('ZADD', KEYS[3], seq, seq)
redis.call('ZADD', KEYS[4], seq, seq .. '|' .. ARGV[2])
return seq
`)

func (q *RedisInbox) Enqueue(ctx context.Context, msg api.Message) (api.Message, error) {
	msg.Seq = 0
	data, err := EncodeMessage(msg)
	if err != nil {
		return api.Message{}, err
	}
	seq, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keySeq(), q.keyMsgs(), q.keyInstance(msg.InstanceID), q.keyAll()},
		data, msg.InstanceID,
	).Int64()
	if err != nil {
		return api.Message{}, err
	}
	msg.Seq = seq
	return msg, nil
}

func (q *RedisInbox) Pending(ctx context.Context, instanceID string, afterSeq int64) ([]api.Message, error) {
	fields, err := q.client.ZRangeByScore(ctx, q.keyInstance(instanceID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	vals, err := q.client.HMGet(ctx, q.keyMsgs(), fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Message, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// acked between the two reads
			continue
		}
		m, err := DecodeMessage([]byte(s))
		if err != nil {
			return nil, err
		}
		if m.Seq, err = strconv.ParseInt(fields[i], 10, 64); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *RedisInbox) Ack(ctx context.Context, instanceID string, seq int64) error {
	field := strconv.FormatInt(seq, 10)
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.keyMsgs(), field)
	pipe.ZRem(ctx, q.keyInstance(instanceID), field)
	pipe.ZRem(ctx, q.keyAll(), allMember(instanceID, seq))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisInbox) PendingInstances(ctx context.Context) ([]string, error) {
	members, err := q.client.ZRange(ctx, q.keyAll(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range members {
		_, id, ok := cutMember(m)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func cutMember(m string) (int64, string, bool) {
	rawSeq, id, ok := strings.Cut(m, "|")
	if !ok {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, id, true
}

func (q *RedisInbox) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyAll()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
