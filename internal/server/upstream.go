package server

import (
	"context"
	"errors"
	"net/http"
)

// UpstreamFetcher 是面向源站的网络原语：接收同源相对请求，改写到 Upstream 后发出。
// 不做重试，错误原样返回。
type UpstreamFetcher struct {
	client *http.Client
	origin *Origin
}

// NewUpstreamFetcher 组合共享 client 与 Origin。
func NewUpstreamFetcher(client *http.Client, origin *Origin) (*UpstreamFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || origin.UpstreamURL == nil {
		return nil, errors.New("origin is required")
	}
	return &UpstreamFetcher{client: client, origin: origin}, nil
}

// Fetch 实现 worker.Fetcher。请求头中的 hop-by-hop 字段会被剔除，
// Accept-Encoding 交给 Transport 处理，以便缓存解压后的正文。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target := f.origin.Resolve(req.URL)
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	out.Header.Del("Host")
	out.Host = target.Host

	return f.client.Do(out)
}
