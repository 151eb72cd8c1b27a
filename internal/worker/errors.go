package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotIntercepted 表示请求被拒绝拦截，调用方应原样交给网络。
	ErrNotIntercepted = errors.New("request not intercepted")

	// ErrUnavailable 表示网络失败且缓存中没有可回退的条目。
	ErrUnavailable = errors.New("offline response unavailable")
)

// InstallError 描述导致 install 失败的资源：网络错误或非 2xx 状态码。
type InstallError struct {
	Path   string
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("install %s: unexpected status %d", e.Path, e.Status)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
