package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/tp-checklist/offline-hub/internal/cache"
	"github.com/tp-checklist/offline-hub/internal/config"
	"github.com/tp-checklist/offline-hub/internal/lifecycle"
	"github.com/tp-checklist/offline-hub/internal/logging"
	"github.com/tp-checklist/offline-hub/internal/server"
	"github.com/tp-checklist/offline-hub/internal/worker"
)

var testManifest = []string{"/index.html", "/manifest.webmanifest", "/icons/icon-192.png", "/icons/icon-512.png"}

func TestProxyServesManifestFromCacheAfterInstall(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")

	env.origin.down.Store(true)
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/index.html", nil))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from cache, got %d", resp.StatusCode)
	}
	if body != "asset /index.html" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get(HeaderCache) != "hit" || resp.Header.Get(HeaderVersion) != "tp-checklist-v1" {
		t.Fatalf("unexpected offline headers: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("cached header not replayed: %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	if got := env.origin.hits("/index.html"); got != 1 {
		t.Fatalf("cache hit must not reach the network, upstream saw %d requests", got)
	}
}

func TestProxyCachesMissInBackground(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/app.js?v=2", nil))
	if body := readBody(t, resp); body != "asset /app.js" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get(HeaderCache) != "miss" {
		t.Fatalf("expected miss, got %q", resp.Header.Get(HeaderCache))
	}
	env.host.Shutdown()

	env.origin.down.Store(true)
	resp = env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/app.js?v=2", nil))
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderCache) != "hit" {
		t.Fatalf("expected cached replay, got %d %q", resp.StatusCode, resp.Header.Get(HeaderCache))
	}
	if got := env.origin.hits("/app.js"); got != 1 {
		t.Fatalf("expected one upstream request, got %d", got)
	}
}

func TestProxyReturnsGatewayTimeoutWhenOfflineAndUncached(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")
	env.origin.down.Store(true)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/about.html", nil))
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	assertErrorCode(t, resp, "offline_unavailable")
}

func TestProxyBypassesAPIRequests(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")

	for i := 0; i < 2; i++ {
		resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/checklist/7/items", nil))
		readBody(t, resp)
		if resp.Header.Get(HeaderCache) != "bypass" {
			t.Fatalf("API request must bypass the cache, got %q", resp.Header.Get(HeaderCache))
		}
	}
	if got := env.origin.hits("/checklist/7/items"); got != 2 {
		t.Fatalf("every API request must reach the network, got %d", got)
	}
	env.host.Shutdown()

	keys := env.bucketKeys(t, "tp-checklist-v1")
	for _, key := range keys {
		if strings.Contains(key.URL, "/checklist/") {
			t.Fatalf("API response must never be cached: %v", keys)
		}
	}
}

func TestProxyForwardsNonGETWithBody(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")

	req := httptest.NewRequest(http.MethodPost, "http://app.local/index.html", strings.NewReader(`{"done":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)
	readBody(t, resp)

	if resp.Header.Get(HeaderCache) != "bypass" {
		t.Fatalf("POST must bypass the cache, got %q", resp.Header.Get(HeaderCache))
	}
	if got := env.origin.lastBody(); got != `{"done":true}` {
		t.Fatalf("request body not forwarded: %q", got)
	}
	if got := env.origin.hits("/index.html"); got != 2 {
		t.Fatalf("POST must reach the network even when cached, got %d", got)
	}
}

func TestProxyBypassFailureReturnsBadGateway(t *testing.T) {
	env := newProxyEnv(t)
	env.origin.down.Store(true)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/index.html", nil))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	assertErrorCode(t, resp, "upstream_failed")
}

func TestProxyPassesThroughWithoutActiveWorker(t *testing.T) {
	env := newProxyEnv(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/index.html", nil))
	readBody(t, resp)
	if resp.Header.Get(HeaderCache) != "bypass" {
		t.Fatalf("expected bypass without worker, got %q", resp.Header.Get(HeaderCache))
	}
	if resp.Header.Get(HeaderVersion) != "" {
		t.Fatalf("no version header expected without worker")
	}
	names, _ := env.storage.Keys(context.Background())
	if len(names) != 0 {
		t.Fatalf("nothing should be cached without a worker: %v", names)
	}
}

func TestProxyVersionBumpReplacesBucket(t *testing.T) {
	env := newProxyEnv(t)
	env.register(t, "tp-checklist-v1")
	env.register(t, "tp-checklist-v2")

	names, err := env.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "tp-checklist-v2" {
		t.Fatalf("expected only the new bucket, got %v", names)
	}

	env.origin.down.Store(true)
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://app.local/icons/icon-512.png", nil))
	readBody(t, resp)
	if resp.Header.Get(HeaderVersion) != "tp-checklist-v2" || resp.Header.Get(HeaderCache) != "hit" {
		t.Fatalf("expected v2 hit, got %v", resp.Header)
	}
}

func TestProxyKeepsPercentEncodedPaths(t *testing.T) {
	tests := []struct {
		target  string
		key     string
		body    string
		escaped string
	}{
		{"http://app.local/files/100%25.png", "/files/100%25.png", "asset /files/100%.png", "/files/100%25.png"},
		{"http://app.local/a%3Fb.png", "/a%3Fb.png", "asset /a?b.png", "/a%3Fb.png"},
		{"http://app.local/%63hecklist/x", "/%63hecklist/x", "asset /checklist/x", "/%63hecklist/x"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			env := newProxyEnv(t)
			env.register(t, "tp-checklist-v1")

			resp := env.do(t, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if body := readBody(t, resp); body != tt.body {
				t.Fatalf("unexpected body %q, want %q", body, tt.body)
			}
			if resp.Header.Get(HeaderCache) != "miss" {
				t.Fatalf("expected miss, got %q", resp.Header.Get(HeaderCache))
			}
			if got := env.origin.lastEscapedPath(); got != tt.escaped {
				t.Fatalf("upstream saw %q, want %q", got, tt.escaped)
			}
			env.host.Shutdown()

			found := false
			for _, key := range env.bucketKeys(t, "tp-checklist-v1") {
				if key.URL == "/" || strings.HasPrefix(key.URL, "/a?") {
					t.Fatalf("entry stored under a mangled key: %v", key)
				}
				if key.Method == http.MethodGet && key.URL == tt.key {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected entry %s in bucket", tt.key)
			}

			env.origin.down.Store(true)
			resp = env.do(t, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if body := readBody(t, resp); body != tt.body || resp.Header.Get(HeaderCache) != "hit" {
				t.Fatalf("expected cached replay of %q, got %q (%s)", tt.body, body, resp.Header.Get(HeaderCache))
			}
		})
	}
}

func TestRequestTarget(t *testing.T) {
	got, err := requestTarget("http://app.local/files/100%25.png?v=1")
	if err != nil {
		t.Fatalf("requestTarget error: %v", err)
	}
	if got.EscapedPath() != "/files/100%25.png" || got.RawQuery != "v=1" || got.Host != "" {
		t.Fatalf("unexpected target %+v", got)
	}

	if root, err := requestTarget(""); err != nil || root.Path != "/" {
		t.Fatalf("empty target should map to /, got %v %v", root, err)
	}

	for _, raw := range []string{"/%zz.png", "files/x.png"} {
		if _, err := requestTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

type proxyEnv struct {
	app     *fiber.App
	host    *lifecycle.Host
	storage cache.Storage
	network worker.Fetcher
	origin  *fakeOrigin
}

func newProxyEnv(t *testing.T) *proxyEnv {
	t.Helper()
	origin := &fakeOrigin{counts: map[string]int{}}
	upstream := httptest.NewServer(origin)
	t.Cleanup(upstream.Close)

	cfg := &config.Config{Global: config.GlobalConfig{Upstream: upstream.URL, ListenPort: 5000}}
	resolved, err := server.NewOrigin(cfg)
	if err != nil {
		t.Fatalf("origin error: %v", err)
	}
	fetcher, err := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), resolved)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	network := worker.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if origin.down.Load() {
			return nil, errors.New("network unreachable")
		}
		return fetcher.Fetch(ctx, req)
	})

	logger := logging.Discard()
	host := lifecycle.NewHost(logger)
	handler, err := NewHandler(host, network, logger, 5000)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &proxyEnv{
		app:     app,
		host:    host,
		storage: cache.NewMemoryStorage(),
		network: network,
		origin:  origin,
	}
}

func (e *proxyEnv) register(t *testing.T, version string) {
	t.Helper()
	w, err := worker.New(worker.Options{
		Version:        version,
		Manifest:       testManifest,
		BypassPatterns: config.DefaultBypassPatterns,
		Storage:        e.storage,
		Network:        e.network,
		Logger:         logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := e.host.Register(context.Background(), w); err != nil {
		t.Fatalf("register %s: %v", version, err)
	}
}

func (e *proxyEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func (e *proxyEnv) bucketKeys(t *testing.T, name string) []cache.RequestKey {
	t.Helper()
	bucket, err := e.storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("bucket keys: %v", err)
	}
	return keys
}

// fakeOrigin 模拟应用源站：每个路径返回 "asset <path>"，并记录请求次数。
type fakeOrigin struct {
	down atomic.Bool

	mu      sync.Mutex
	counts  map[string]int
	body    string
	escaped string
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.counts[r.URL.Path]++
	o.body = string(payload)
	o.escaped = r.URL.EscapedPath()
	o.mu.Unlock()

	if strings.HasSuffix(r.URL.Path, ".html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	_, _ = w.Write([]byte("asset " + r.URL.Path))
}

func (o *fakeOrigin) hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[path]
}

func (o *fakeOrigin) lastEscapedPath() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.escaped
}

func (o *fakeOrigin) lastBody() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.body
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func assertErrorCode(t *testing.T, resp *http.Response, code string) {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal([]byte(readBody(t, resp)), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %v", code, payload)
	}
}
