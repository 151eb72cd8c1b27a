package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Storage 对应浏览器的 CacheStorage：按名称管理多个桶。
type Storage interface {
	// Open 返回指定名称的桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回全部桶名称（字典序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个桶及其所有条目，返回删除前桶是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket 是单个命名缓存，保存 RequestKey → Response 映射，需支持并发读写。
type Bucket interface {
	Name() string

	// Match 查找条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 覆盖写入条目。
	Put(ctx context.Context, key RequestKey, resp *Response) error

	// Delete 删除条目，返回删除前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 返回桶内全部键。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// Entry 组合一个键值对，供 PutAll 批量写入。
type Entry struct {
	Key      RequestKey
	Response *Response
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidBucketName 表示桶名称无法安全地映射到存储布局。
	ErrInvalidBucketName = errors.New("invalid bucket name")
)

// ValidateBucketName 拒绝空名称、路径分隔符以及 "." / ".."。
func ValidateBucketName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return nil
}

// PutAll 以“全部成功或全部回滚”的语义写入多个条目：任一写入失败时，
// 本次调用已写入的条目会被删除，错误原样返回。
func PutAll(ctx context.Context, bucket Bucket, entries []Entry) error {
	written := make([]RequestKey, 0, len(entries))
	for _, entry := range entries {
		if entry.Response == nil {
			rollback(bucket, written)
			return fmt.Errorf("put %s: nil response", entry.Key)
		}
		if err := bucket.Put(ctx, entry.Key, entry.Response); err != nil {
			rollback(bucket, written)
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
		written = append(written, entry.Key)
	}
	return nil
}

// rollback 使用独立 context，保证调用方 ctx 取消后仍能完成清理。
func rollback(bucket Bucket, keys []RequestKey) {
	ctx := context.Background()
	for _, key := range keys {
		_, _ = bucket.Delete(ctx, key)
	}
}
