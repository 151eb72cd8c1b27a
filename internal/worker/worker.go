package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tp-checklist/offline-hub/internal/cache"
)

// Fetcher 是网络请求原语，对应浏览器中的 fetch()。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Source 标识响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result 是一次被拦截请求的应答。
type Result struct {
	Response *cache.Response
	Source   Source
	Version  string
}

// Options 描述构造 Worker 所需的依赖。
type Options struct {
	Version        string
	Manifest       []string
	BypassPatterns []string
	Storage        cache.Storage
	Network        Fetcher
	Logger         *logrus.Logger
}

// Worker 拥有一个版本化桶，响应 install/activate/fetch 三个生命周期事件。
type Worker struct {
	version    string
	manifest   []string
	classifier Classifier
	storage    cache.Storage
	network    Fetcher
	logger     *logrus.Logger

	pending sync.WaitGroup
	// retireMu 让 Retire 等待进行中的查找与写入；retired 之后两者都不再打开桶。
	retireMu sync.RWMutex
	retired bool
}

// New 校验依赖并构造 Worker；Manifest/BypassPatterns 会被复制。
func New(opts Options) (*Worker, error) {
	if err := cache.ValidateBucketName(opts.Version); err != nil {
		return nil, fmt.Errorf("cache version: %w", err)
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		version:    opts.Version,
		manifest:   append([]string(nil), opts.Manifest...),
		classifier: NewClassifier(opts.BypassPatterns),
		storage:    opts.Storage,
		network:    opts.Network,
		logger:     logger,
	}, nil
}

// Version 返回当前桶名称。
func (w *Worker) Version() string {
	return w.version
}

// Manifest 返回资源清单副本。
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

// Classifier 返回请求分类器。
func (w *Worker) Classifier() Classifier {
	return w.classifier
}

// Install 并发拉取清单中的全部资源，全部成功（2xx）后一次性写入当前桶；
// 任一资源失败则什么都不写，并返回 *InstallError。
func (w *Worker) Install(ctx context.Context) error {
	entries := make([]cache.Entry, len(w.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, assetPath := range w.manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, assetPath, nil)
			if err != nil {
				return &InstallError{Path: assetPath, Err: err}
			}
			resp, err := w.network.Fetch(gctx, req)
			if err != nil {
				return &InstallError{Path: assetPath, Err: err}
			}
			stored, err := cache.FromHTTP(resp)
			if err != nil {
				return &InstallError{Path: assetPath, Err: err}
			}
			if !stored.OK() {
				return &InstallError{Path: assetPath, Status: stored.Status}
			}
			entries[i] = cache.Entry{Key: cache.NewRequestKey(req), Response: stored}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		LifecycleTotal.WithLabelValues("install", "failed").Inc()
		return err
	}

	bucket, err := w.storage.Open(ctx, w.version)
	if err != nil {
		LifecycleTotal.WithLabelValues("install", "failed").Inc()
		return fmt.Errorf("open bucket %s: %w", w.version, err)
	}
	if err := cache.PutAll(ctx, bucket, entries); err != nil {
		LifecycleTotal.WithLabelValues("install", "failed").Inc()
		return fmt.Errorf("populate bucket %s: %w", w.version, err)
	}
	LifecycleTotal.WithLabelValues("install", "ok").Inc()
	return nil
}

// Activate 删除所有名称不等于当前版本的桶，返回被删除的桶名。删除不可回滚。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		LifecycleTotal.WithLabelValues("activate", "failed").Inc()
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if name == w.version {
			continue
		}
		removed, err := w.storage.Delete(ctx, name)
		if err != nil {
			LifecycleTotal.WithLabelValues("activate", "failed").Inc()
			return deleted, fmt.Errorf("delete bucket %s: %w", name, err)
		}
		if removed {
			deleted = append(deleted, name)
		}
	}
	LifecycleTotal.WithLabelValues("activate", "ok").Inc()
	return deleted, nil
}

// Fetch 以 cache-first 策略应答请求：
//   - 非 GET 或命中 API 排除规则：返回 ErrNotIntercepted，不读不写缓存；
//   - 命中：直接返回缓存，不访问网络；
//   - 未命中：访问网络，成功则立即返回并在后台写入副本（不检查状态码）；
//     网络失败时回退到查找结果，此时必然为空，返回 ErrUnavailable。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request is required")
	}
	if w.classifier.Classify(req.Method, req.URL.String()) != ClassAsset {
		FetchTotal.WithLabelValues(OutcomeBypass).Inc()
		return nil, ErrNotIntercepted
	}

	key := cache.NewRequestKey(req)
	if cached := w.match(ctx, key); cached != nil {
		FetchTotal.WithLabelValues(OutcomeHit).Inc()
		return &Result{Response: cached, Source: SourceCache, Version: w.version}, nil
	}

	resp, err := w.network.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		FetchTotal.WithLabelValues(OutcomeUnavailable).Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	live, err := cache.FromHTTP(resp)
	if err != nil {
		FetchTotal.WithLabelValues(OutcomeUnavailable).Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	w.persist(key, live.Clone())
	FetchTotal.WithLabelValues(OutcomeMiss).Inc()
	return &Result{Response: live, Source: SourceNetwork, Version: w.version}, nil
}

// Wait 阻塞直到所有后台缓存写入结束。
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Retire 停止读写缓存：返回前进行中的查找与写入已经结束，之后的 Fetch 只走网络且不写缓存，
// 避免被替换的 Worker 在新版本 activate 后重新创建自己的桶。仍在途的 Fetch 照常返回响应。
func (w *Worker) Retire() {
	w.retireMu.Lock()
	w.retired = true
	w.retireMu.Unlock()
}

// match 查找当前桶；查找失败（非 ErrNotFound）按未命中处理。
// Retire 之后按未命中处理：Open 会重新创建已被新版本删除的桶。
func (w *Worker) match(ctx context.Context, key cache.RequestKey) *cache.Response {
	w.retireMu.RLock()
	defer w.retireMu.RUnlock()
	if w.retired {
		return nil
	}
	bucket, err := w.storage.Open(ctx, w.version)
	if err != nil {
		w.logMatchFailure(key, err)
		return nil
	}
	cached, err := bucket.Match(ctx, key)
	switch {
	case err == nil:
		return cached
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		w.logMatchFailure(key, err)
		return nil
	}
}

// persist 在独立 goroutine 中写入缓存；调用方不等待其完成，也不继承请求的取消信号。
func (w *Worker) persist(key cache.RequestKey, resp *cache.Response) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.retireMu.RLock()
		defer w.retireMu.RUnlock()
		if w.retired {
			BackgroundWrites.WithLabelValues("skipped").Inc()
			return
		}
		ctx := context.Background()
		bucket, err := w.storage.Open(ctx, w.version)
		if err == nil {
			err = bucket.Put(ctx, key, resp)
		}
		if err != nil {
			BackgroundWrites.WithLabelValues("failed").Inc()
			w.logger.WithError(err).WithFields(logrus.Fields{
				"action":        "cache_put",
				"cache_version": w.version,
				"key":           key.String(),
			}).Warn("cache_put_failed")
			return
		}
		BackgroundWrites.WithLabelValues("ok").Inc()
	}()
}

func (w *Worker) logMatchFailure(key cache.RequestKey, err error) {
	w.logger.WithError(err).WithFields(logrus.Fields{
		"action":        "cache_match",
		"cache_version": w.version,
		"key":           key.String(),
	}).Warn("cache_match_failed")
}
