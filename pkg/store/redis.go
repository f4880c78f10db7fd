// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// field is the single stream field every queue entry is stored under, mirroring the source's "single-field entry" convention
// (spec §4.2 push: "serialize msg into a single-field entry").
const field = "data"

// RedisStore is the production Store backed by a real or miniredis-backed
// redis.Client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle (Close).
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func wrapNil(err error) error {
	if err == redis.Nil {
		return ErrNilBulk
	}
	return err
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	return v, wrapNil(err)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key, field string) error {
	return s.rdb.HDel(ctx, key, field).Err()
}

func (s *RedisStore) HExists(ctx context.Context, key, field string) (bool, error) {
	return s.rdb.HExists(ctx, key, field).Result()
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.HLen(ctx, key).Result()
}

func (s *RedisStore) HKeys(ctx context.Context, key string) ([]string, error) {
	return s.rdb.HKeys(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return s.rdb.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

func (s *RedisStore) SMove(ctx context.Context, src, dst, member string) (bool, error) {
	return s.rdb.SMove(ctx, src, dst, member).Result()
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrapNil(err)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return s.rdb.Scan(ctx, cursor, pattern, count).Result()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) ListPush(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) StreamAdd(ctx context.Context, name string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: name, Values: values}).Result()
}

func (s *RedisStore) StreamLen(ctx context.Context, name string) (int64, error) {
	return s.rdb.XLen(ctx, name).Result()
}

func (s *RedisStore) StreamCreateGroup(ctx context.Context, name, group string, mkstream bool) error {
	var err error
	if mkstream {
		err = s.rdb.XGroupCreateMkStream(ctx, name, group, "0").Err()
	} else {
		err = s.rdb.XGroupCreate(ctx, name, group, "0").Err()
	}
	if err != nil && isGroupExistsErr(err) {
		// Swallowed per spec §4.2: "stream_create_group failure due to
		// 'group exists' is swallowed."
		return nil
	}
	return err
}

func isGroupExistsErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func toItems(msgs []redis.XMessage) []StreamItem {
	items := make([]StreamItem, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		items = append(items, StreamItem{ID: m.ID, Fields: fields})
	}
	return items
}

func (s *RedisStore) StreamReadGroup(ctx context.Context, group, consumer string, names []string, count int64, blockMs int64) (map[string][]StreamItem, error) {
	streams := make([]string, 0, len(names)*2)
	streams = append(streams, names...)
	for range names {
		streams = append(streams, ">")
	}
	block := time.Duration(-1)
	if blockMs >= 0 {
		block = time.Duration(blockMs) * time.Millisecond
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err == redis.Nil {
		return map[string][]StreamItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string][]StreamItem, len(res))
	for _, stream := range res {
		out[stream.Stream] = toItems(stream.Messages)
	}
	return out, nil
}

func (s *RedisStore) StreamAck(ctx context.Context, name, group, id string) error {
	return s.rdb.XAck(ctx, name, group, id).Err()
}

func (s *RedisStore) StreamAutoclaim(ctx context.Context, name, group, consumer string, minIdleMs int64, start string, count int64) ([]StreamItem, string, error) {
	msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", err
	}
	return toItems(msgs), next, nil
}

func (s *RedisStore) StreamPendingDeliveryCount(ctx context.Context, name, group, id string) (int64, error) {
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: name,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0].RetryCount, nil
}

func (s *RedisStore) StreamDel(ctx context.Context, name, id string) error {
	return s.rdb.XDel(ctx, name, id).Err()
}

type redisPipeliner struct {
	pipe redis.Pipeliner
}

func (p *redisPipeliner) HSet(key, field, value string) { p.pipe.HSet(context.Background(), key, field, value) }
func (p *redisPipeliner) HDel(key, field string)        { p.pipe.HDel(context.Background(), key, field) }
func (p *redisPipeliner) SAdd(key, member string)        { p.pipe.SAdd(context.Background(), key, member) }
func (p *redisPipeliner) SRem(key, member string)        { p.pipe.SRem(context.Background(), key, member) }
func (p *redisPipeliner) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}
func (p *redisPipeliner) Delete(key string) { p.pipe.Del(context.Background(), key) }

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	pipe := s.rdb.TxPipeline()
	if err := fn(&redisPipeliner{pipe: pipe}); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
