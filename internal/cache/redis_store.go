package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisStorage 使用 Redis 作为桶后端：
//
//	<prefix>:buckets         SET   全部桶名称
//	<prefix>:bucket:<name>   HASH  字段为 "METHOD URL"，值为 JSON 编码的 Response
//
// 多个 offline-hub 实例共享同一 Redis 时会看到同一组桶。
func NewRedisStorage(client *redis.Client, prefix string) (Storage, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if prefix == "" {
		prefix = "offline-hub"
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

type redisStorage struct {
	client *redis.Client
	prefix string
}

func (s *redisStorage) namesKey() string {
	return s.prefix + ":buckets"
}

func (s *redisStorage) bucketKey(name string) string {
	return s.prefix + ":bucket:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisBucket{storage: s, name: name, key: s.bucketKey(name)}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "has").Inc()
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "keys").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.bucketKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("redis", "delete_bucket").Inc()
		return false, fmt.Errorf("redis delete bucket: %w", err)
	}
	return removed.Val() > 0, nil
}

type redisBucket struct {
	storage *redisStorage
	name    string
	key     string
}

func (b *redisBucket) Name() string {
	return b.name
}

func (b *redisBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	data, err := b.storage.client.HGet(ctx, b.key, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("redis", "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		StoreErrors.WithLabelValues("redis", "match").Inc()
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

// Put 同时把桶名写回集合：桶被删除后迟到的写入会像浏览器 caches.open 一样重新创建它。
func (b *redisBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	stored := *resp
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	_, err = b.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key, key.String(), data)
		pipe.SAdd(ctx, b.storage.namesKey(), b.name)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (b *redisBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	n, err := b.storage.client.HDel(ctx, b.key, key.String()).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "delete").Inc()
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	fields, err := b.storage.client.HKeys(ctx, b.key).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "keys").Inc()
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := make([]RequestKey, 0, len(fields))
	for _, field := range fields {
		key, err := ParseRequestKey(field)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}
