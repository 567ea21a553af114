package utils

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
)

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// RedisKey builds Type:<id>.
func RedisKey[T any](id string) string {
	return GetTypeName[T]() + ":" + id
}

// RedisListKey builds TypeList.
func RedisListKey[T any]() string {
	return GetTypeName[T]() + "List"
}

// StoreRedis stores obj under Type:<id>. A nil client is a no-op.
func StoreRedis[T any](ctx context.Context, rdb *redis.Client, id string, obj *T, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, RedisKey[T](id), data, exp).Err()
}

// RetrieveRedis returns nil, nil when the key does not exist.
func RetrieveRedis[T any](ctx context.Context, rdb *redis.Client, id string) (*T, error) {
	if rdb == nil {
		return nil, nil
	}
	val, err := rdb.Get(ctx, RedisKey[T](id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var result T
	if err := json.Unmarshal(val, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddRedisListMembers adds ids to the TypeList set.
func AddRedisListMembers[T any](ctx context.Context, rdb *redis.Client, ids ...string) error {
	if rdb == nil || len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return rdb.SAdd(ctx, RedisListKey[T](), members...).Err()
}

func RedisListMembers[T any](ctx context.Context, rdb *redis.Client) ([]string, error) {
	if rdb == nil {
		return nil, nil
	}
	return rdb.SMembers(ctx, RedisListKey[T]()).Result()
}

// ClearRedisList removes the TypeList set and every Type:<id> it indexes.
func ClearRedisList[T any](ctx context.Context, rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	ids, err := RedisListMembers[T](ctx, rdb)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, RedisKey[T](id))
	}
	keys = append(keys, RedisListKey[T]())
	return rdb.Del(ctx, keys...).Err()
}
