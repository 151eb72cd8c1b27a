package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，每个桶对应一个子目录：
//
//	<basePath>/<bucket>/<METHOD>/<path>.body   # 响应正文
//	<basePath>/<bucket>/<METHOD>/<path>.meta   # 状态码、头部与原始键
//
// 带查询串的请求落在 <path>/__qs/<sha1> 下，非规范路径（如结尾带 /）落在 <path>/__raw/<sha1> 下。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，所有桶共享同一把锁表。
type diskStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// diskMeta 是 .meta 文件的内容；正文单独存放，便于直接查看。
type diskMeta struct {
	Key      RequestKey  `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *diskStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		StoreErrors.WithLabelValues("disk", "open").Inc()
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &diskBucket{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		StoreErrors.WithLabelValues("disk", "keys").Inc()
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		StoreErrors.WithLabelValues("disk", "delete_bucket").Inc()
		return false, fmt.Errorf("remove bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *diskStorage) lockEntry(bucket string, key RequestKey) func() {
	lockKey := bucket + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

type diskBucket struct {
	storage *diskStorage
	name    string
	dir     string
}

func (b *diskBucket) Name() string {
	return b.name
}

func (b *diskBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base, err := b.entryPath(key)
	if err != nil {
		return nil, err
	}

	// 与 Put 共用条目锁，保证 meta 与正文来自同一次写入。
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("disk", "match").Inc()
		return nil, err
	}
	// 哈希碰撞或手工改动的文件：以 meta 中的原始键为准。
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("disk", "match").Inc()
		return nil, err
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *diskBucket) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	base, err := b.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		StoreErrors.WithLabelValues("disk", "put").Inc()
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(diskMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	// 先写正文再写 meta：meta 存在即代表条目完整。
	if err := writeAtomic(base+bodySuffix, resp.Body); err != nil {
		StoreErrors.WithLabelValues("disk", "put").Inc()
		return err
	}
	if err := writeAtomic(base+metaSuffix, meta); err != nil {
		os.Remove(base + bodySuffix)
		StoreErrors.WithLabelValues("disk", "put").Inc()
		return err
	}
	return nil
}

func (b *diskBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	base, err := b.entryPath(key)
	if err != nil {
		return false, err
	}
	meta, err := readMeta(base + metaSuffix)
	if err != nil || meta.Key != key {
		return false, nil
	}
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			StoreErrors.WithLabelValues("disk", "delete").Inc()
			return false, err
		}
	}
	return true, nil
}

func (b *diskBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	var keys []RequestKey
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			return nil
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("disk", "keys").Inc()
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

// entryPath 返回条目的公共前缀（不含 .body/.meta 后缀），并阻止路径逃逸出桶目录。
func (b *diskBucket) entryPath(key RequestKey) (string, error) {
	method := strings.ToUpper(key.Method)
	if method == "" || strings.ContainsAny(method, `/\.`) {
		return "", fmt.Errorf("invalid method %q", key.Method)
	}

	raw := key.Path()
	cleaned := path.Clean("/" + raw)
	rel := strings.TrimPrefix(cleaned, "/")
	// 清洗会合并结尾的 /、重复分隔符与 . 段；根路径与非规范路径单独落在 __raw 下，避免互相覆盖。
	if rel == "" || cleaned != raw {
		sum := sha1.Sum([]byte(raw))
		rel = path.Join(rel, "__raw", hex.EncodeToString(sum[:]))
	}
	if query := key.Query(); query != "" {
		sum := sha1.Sum([]byte(query))
		rel = path.Join(rel, "__qs", hex.EncodeToString(sum[:]))
	}

	root := filepath.Join(b.dir, method)
	filePath := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func readMeta(p string) (diskMeta, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return diskMeta{}, err
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return diskMeta{}, fmt.Errorf("decode meta %s: %w", p, err)
	}
	return meta, nil
}

// writeAtomic 通过临时文件 + rename 保证读者只会看到完整文件。
func writeAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
