package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/approvalflow/pkg/api"
)

// RedisStore is an InstanceStore and ActivityLedger backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>              => gob-encoded snapshot
//	<prefix>events:<id>            => LIST of gob-encoded events, in seq order
//	<prefix>idx:all                => SET of all instance IDs
//	<prefix>idx:status:<status>    => SET of instance IDs for a given status
//	<prefix>idx:tenant:<tenant>    => SET of instance IDs for a given tenant
//	<prefix>act:<key>              => gob-encoded activity record
//	<prefix>acts:<id>              => SET of activity keys for an instance
//
// Snapshot writes use WATCH on the instance key, so a concurrent writer makes
// the transaction fail with ErrConflict instead of overwriting.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisStore)(nil)

var _ ActivityLedger = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "approvalflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "approvalflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyInstance(id string) string { return r.prefix + "inst:" + id }
func (r *RedisStore) keyEvents(id string) string   { return r.prefix + "events:" + id }
func (r *RedisStore) keyAll() string               { return r.prefix + "idx:all" }
func (r *RedisStore) keyActivity(key string) string {
	return r.prefix + "act:" + key
}
func (r *RedisStore) keyActivities(id string) string {
	return r.prefix + "acts:" + id
}

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisStore) keyTenant(tenant string) string {
	return r.prefix + "idx:tenant:" + tenant
}

func (r *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance, ev api.Event) error {
	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}
	event, err := EncodeValue(ev)
	if err != nil {
		return err
	}

	key := r.keyInstance(inst.InstanceID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrInstanceExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, snapshot, 0)
			pipe.RPush(ctx, r.keyEvents(inst.InstanceID), event)
			r.index(ctx, pipe, nil, inst)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrInstanceExists
	}
	return err
}

func (r *RedisStore) AppendTransition(ctx context.Context, inst *api.Instance, ev api.Event) error {
	snapshot, err := encodeSnapshot(inst)
	if err != nil {
		return err
	}
	event, err := EncodeValue(ev)
	if err != nil {
		return err
	}

	key := r.keyInstance(inst.InstanceID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrInstanceNotFound
			}
			return err
		}
		cur, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		if ev.Seq != cur.Seq+1 || inst.Seq != ev.Seq {
			return fmt.Errorf("%w: stored seq %d, event seq %d", ErrConflict, cur.Seq, ev.Seq)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, snapshot, 0)
			pipe.RPush(ctx, r.keyEvents(inst.InstanceID), event)
			r.index(ctx, pipe, cur, inst)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (r *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, prev, inst *api.Instance) {
	if prev != nil && prev.Status != inst.Status {
		pipe.SRem(ctx, r.keyStatus(prev.Status), inst.InstanceID)
	}
	pipe.SAdd(ctx, r.keyAll(), inst.InstanceID)
	pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.InstanceID)
	if inst.TenantID != "" {
		pipe.SAdd(ctx, r.keyTenant(inst.TenantID), inst.InstanceID)
	}
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (r *RedisStore) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	var (
		ids []string
		err error
	)
	switch {
	case opts.EntityID != "":
		ids = []string{api.InstanceIDFor(opts.EntityID)}
	case opts.Status != "" && opts.TenantID != "":
		ids, err = r.client.SInter(ctx, r.keyStatus(opts.Status), r.keyTenant(opts.TenantID)).Result()
	case opts.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(opts.Status)).Result()
	case opts.TenantID != "":
		ids, err = r.client.SMembers(ctx, r.keyTenant(opts.TenantID)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.Instance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if opts.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *RedisStore) ListEvents(ctx context.Context, id string) ([]api.Event, error) {
	raw, err := r.client.LRange(ctx, r.keyEvents(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for _, s := range raw {
		ev, err := DecodeValue[api.Event]([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisStore) DeleteInstance(ctx context.Context, id string) error {
	inst, err := r.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	keys, err := r.client.SMembers(ctx, r.keyActivities(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keyInstance(id), r.keyEvents(id), r.keyActivities(id))
	for _, k := range keys {
		pipe.Del(ctx, r.keyActivity(k))
	}
	pipe.SRem(ctx, r.keyAll(), id)
	pipe.SRem(ctx, r.keyStatus(inst.Status), id)
	if inst.TenantID != "" {
		pipe.SRem(ctx, r.keyTenant(inst.TenantID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetActivity(ctx context.Context, key string) (api.ActivityRecord, error) {
	data, err := r.client.Get(ctx, r.keyActivity(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.ActivityRecord{}, ErrActivityNotFound
		}
		return api.ActivityRecord{}, err
	}
	return DecodeValue[api.ActivityRecord](data)
}

func (r *RedisStore) SaveActivity(ctx context.Context, rec api.ActivityRecord) error {
	data, err := EncodeValue(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyActivity(rec.Key), data, 0)
	pipe.SAdd(ctx, r.keyActivities(rec.InstanceID), rec.Key)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListActivities(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	keys, err := r.client.SMembers(ctx, r.keyActivities(instanceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(keys)

	var out []api.ActivityRecord
	for _, k := range keys {
		rec, err := r.GetActivity(ctx, k)
		if errors.Is(err, ErrActivityNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
