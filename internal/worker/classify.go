package worker

import (
	"net/http"
	"strings"
)

// Class 是请求分类结果，由方法与 URL 即时推导，不做存储。
type Class int

const (
	// ClassAsset 是可缓存的静态资源候选。
	ClassAsset Class = iota
	// ClassAPI 命中排除规则，永远走网络。
	ClassAPI
	// ClassPassthrough 表示非 GET 请求，不拦截。
	ClassPassthrough
)

func (c Class) String() string {
	switch c {
	case ClassAsset:
		return "asset"
	case ClassAPI:
		return "api"
	case ClassPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Classifier 持有 API 排除子串列表。
type Classifier struct {
	patterns []string
}

// NewClassifier 复制 patterns，忽略空白项。
func NewClassifier(patterns []string) Classifier {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) != "" {
			cleaned = append(cleaned, p)
		}
	}
	return Classifier{patterns: cleaned}
}

// Patterns 返回排除规则副本。
func (c Classifier) Patterns() []string {
	return append([]string(nil), c.patterns...)
}

// IsAPI 判断 URL 是否包含任一排除子串。
func (c Classifier) IsAPI(rawURL string) bool {
	for _, p := range c.patterns {
		if strings.Contains(rawURL, p) {
			return true
		}
	}
	return false
}

// Classify 先看方法再看 URL：非 GET 一律 passthrough，无论 URL 为何。
func (c Classifier) Classify(method, rawURL string) Class {
	if !strings.EqualFold(method, http.MethodGet) {
		return ClassPassthrough
	}
	if c.IsAPI(rawURL) {
		return ClassAPI
	}
	return ClassAsset
}
