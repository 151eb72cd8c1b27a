package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey 唯一定位桶内的一个条目；URL 为同源相对地址（path[?query]）。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 从 http.Request 派生条目键，忽略 scheme/host。
func NewRequestKey(req *http.Request) RequestKey {
	if req == nil || req.URL == nil {
		return RequestKey{Method: http.MethodGet, URL: "/"}
	}
	return KeyFor(req.Method, req.URL)
}

// KeyFor 按方法与 URL 构造键；方法缺省为 GET。
func KeyFor(method string, u *url.URL) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return RequestKey{Method: method, URL: p}
}

// String 输出 "GET /index.html" 形式，同时作为 Redis hash 字段名。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Path 返回去掉查询串后的路径部分。
func (k RequestKey) Path() string {
	if idx := strings.IndexByte(k.URL, '?'); idx >= 0 {
		return k.URL[:idx]
	}
	return k.URL
}

// Query 返回原始查询串（不含 ?）。
func (k RequestKey) Query() string {
	if idx := strings.IndexByte(k.URL, '?'); idx >= 0 {
		return k.URL[idx+1:]
	}
	return ""
}

// ParseRequestKey 是 String 的逆操作。
func ParseRequestKey(raw string) (RequestKey, error) {
	method, rest, ok := strings.Cut(raw, " ")
	if !ok || method == "" || !strings.HasPrefix(rest, "/") {
		return RequestKey{}, fmt.Errorf("invalid request key %q", raw)
	}
	return RequestKey{Method: method, URL: rest}, nil
}
