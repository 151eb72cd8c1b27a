package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内存储，进程退出即丢失，适合测试与一次性部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &memoryBucket{name: name, entries: make(map[RequestKey]*Response)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// Delete 将桶从名称表中移除；已持有该桶句柄的调用方仍可读写，但不再可见。
func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

type memoryBucket struct {
	name    string
	mu      sync.RWMutex
	entries map[RequestKey]*Response
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	resp, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("response required")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.entries[key] = stored
	b.mu.Unlock()
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	keys := make([]RequestKey, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	b.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}
