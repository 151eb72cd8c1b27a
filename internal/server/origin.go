package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tp-checklist/offline-hub/internal/config"
)

// Origin 聚合解析后的上游地址与监听端口，避免每个请求重复解析配置。
type Origin struct {
	// UpstreamURL 是应用源站地址，路径前缀会拼接在请求路径之前。
	UpstreamURL *url.URL
	// ListenPort 记录当前 CLI 监听端口，供 X-Forwarded-Port 使用。
	ListenPort int
}

// NewOrigin 根据配置构建 Origin；调用方应在启动阶段创建一次并复用。
func NewOrigin(cfg *config.Config) (*Origin, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.Global.Upstream))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream: %s", cfg.Global.Upstream)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	return &Origin{
		UpstreamURL: parsed,
		ListenPort:  cfg.Global.ListenPort,
	}, nil
}

// Resolve 把同源相对 URL 映射到上游地址，保留路径的原始编码与查询串。
func (o *Origin) Resolve(rel *url.URL) *url.URL {
	target := *o.UpstreamURL
	p, rawPath := "/", "/"
	rawQuery := ""
	if rel != nil {
		if rel.Path != "" {
			p = rel.Path
			rawPath = rel.EscapedPath()
		}
		rawQuery = rel.RawQuery
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
		rawPath = "/" + rawPath
	}
	target.Path = o.UpstreamURL.Path + p
	target.RawPath = o.UpstreamURL.EscapedPath() + rawPath
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}
