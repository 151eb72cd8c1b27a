package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}

	switch g.StorageBackend {
	case BackendDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return newFieldError("Redis.Addr", "redis 后端需要 Addr")
		}
		if c.Redis.DB < 0 {
			return newFieldError("Redis.DB", "不能为负数")
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 disk|memory|redis")
	}

	return c.Worker.Validate()
}

// Validate 校验缓存版本、资源清单与排除规则。
func (w WorkerConfig) Validate() error {
	if err := validateVersion(w.CacheVersion); err != nil {
		return err
	}
	if len(w.Assets) == 0 {
		return newFieldError("Worker.Assets", "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(w.Assets))
	for i, asset := range w.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(indexedField("Worker.Assets", i), "必须以 / 开头")
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(indexedField("Worker.Assets", i), "重复")
		}
		seen[asset] = struct{}{}
	}
	for i, pattern := range w.BypassPatterns {
		if strings.TrimSpace(pattern) == "" {
			return newFieldError(indexedField("Worker.BypassPatterns", i), "不能为空")
		}
	}
	return nil
}

// validateVersion 保证版本号可直接作为桶名（目录名 / Redis key 片段）。
func validateVersion(version string) error {
	if version == "" {
		return newFieldError("Worker.CacheVersion", "不能为空")
	}
	if version == "." || version == ".." {
		return newFieldError("Worker.CacheVersion", "不允许使用 . 或 ..")
	}
	if strings.ContainsAny(version, `/\ `) {
		return newFieldError("Worker.CacheVersion", "不允许包含路径分隔符或空格")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
