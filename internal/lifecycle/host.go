// Package lifecycle plays the role of the browser that hosts service workers:
// it installs a new worker, retires the previous one, activates the new one and
// routes fetch events to whichever worker is active.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tp-checklist/offline-hub/internal/logging"
	"github.com/tp-checklist/offline-hub/internal/worker"
)

// Lifecycle event names used in logs.
const (
	EventInstall  = "install"
	EventActivate = "activate"
)

// Host 持有当前激活的 Worker。
//
// install 期间旧 Worker 继续处理请求。读锁只保护 active 指针本身，Fetch 取到
// Worker 后即释放，网络往返不占用锁；切换时旧 Worker 先 Retire，在途请求仍由它应答，
// 但其网络响应不再写入旧桶。
type Host struct {
	logger *logrus.Logger

	register sync.Mutex
	mu       sync.RWMutex
	active   *worker.Worker
}

// NewHost 创建空 Host；在第一次 Register 成功前所有请求都不会被拦截。
func NewHost(logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Host{logger: logger}
}

// Register 依次执行 install 与 activate 并等待完成。install 失败时保留原先的 Worker
// 并返回错误；成功时先让旧 Worker 停止后台写入，再 activate 并切换。
//
// activate 清理旧桶失败不会阻止切换：与浏览器一致，activate 事件中的错误不影响激活，
// 此时旧桶可能已部分删除，继续使用旧 Worker 反而会读到残缺缓存。失败以 warn 记录，
// 遗留的桶在下一次成功 activate 时清理。
func (h *Host) Register(ctx context.Context, w *worker.Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	h.register.Lock()
	defer h.register.Unlock()

	started := time.Now()
	if err := w.Install(ctx); err != nil {
		h.logEvent(EventInstall, w.Version(), started, err, nil)
		return err
	}
	h.logEvent(EventInstall, w.Version(), started, nil, logrus.Fields{"assets": len(w.Manifest())})

	if previous := h.Active(); previous != nil && previous != w {
		previous.Retire()
	}

	started = time.Now()
	deleted, err := w.Activate(ctx)
	if err != nil {
		fields := logging.LifecycleFields(EventActivate, w.Version())
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		fields["deleted"] = deleted
		h.logger.WithFields(fields).WithError(err).Warn("activate_cleanup_incomplete")
	}

	h.mu.Lock()
	h.active = w
	h.mu.Unlock()
	if err == nil {
		h.logEvent(EventActivate, w.Version(), started, nil, logrus.Fields{"deleted": deleted})
	}
	return nil
}

// Active 返回当前 Worker，可能为 nil。
func (h *Host) Active() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Fetch 把请求派发给当前 Worker；没有 Worker 时返回 worker.ErrNotIntercepted。
func (h *Host) Fetch(ctx context.Context, req *http.Request) (*worker.Result, error) {
	w := h.Active()
	if w == nil {
		return nil, worker.ErrNotIntercepted
	}
	return w.Fetch(ctx, req)
}

// Shutdown 等待当前 Worker 的后台写入完成。
func (h *Host) Shutdown() {
	if w := h.Active(); w != nil {
		w.Wait()
	}
}

func (h *Host) logEvent(event, version string, started time.Time, err error, extra logrus.Fields) {
	fields := logging.LifecycleFields(event, version)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	for k, v := range extra {
		fields[k] = v
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error(event + "_failed")
		return
	}
	h.logger.WithFields(fields).Info(event + "_complete")
}
