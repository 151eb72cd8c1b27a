package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// 默认的缓存版本、资源清单与 API 排除规则，对应 PWA 首次发布时的取值。
const DefaultCacheVersion = "tp-checklist-v1"

var (
	DefaultAssets = []string{
		"/index.html",
		"/manifest.webmanifest",
		"/icons/icon-192.png",
		"/icons/icon-512.png",
	}
	DefaultBypassPatterns = []string{"/checklist/", "/metrics/"}
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// GlobalConfig 描述进程级运行参数：监听端口、上游、日志与存储。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
}

// WorkerConfig 决定离线缓存拦截器的行为；任何字段变化都会触发新版本的 install/activate。
type WorkerConfig struct {
	CacheVersion   string   `mapstructure:"CacheVersion"`
	Assets         []string `mapstructure:"Assets"`
	BypassPatterns []string `mapstructure:"BypassPatterns"`
}

// Equal 比较两份 WorkerConfig，供热加载时判断是否需要重新注册。
func (w WorkerConfig) Equal(other WorkerConfig) bool {
	return w.CacheVersion == other.CacheVersion &&
		slices.Equal(w.Assets, other.Assets) &&
		slices.Equal(w.BypassPatterns, other.BypassPatterns)
}

// RedisConfig 仅在 StorageBackend = "redis" 时生效。
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
	Prefix   string `mapstructure:"Prefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:",squash"`
	Redis  RedisConfig  `mapstructure:"Redis"`
}
