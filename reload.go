package main

import (
	"context"
	"sync"

	"github.com/tp-checklist/offline-hub/internal/config"
	"github.com/tp-checklist/offline-hub/internal/logging"
)

var reloadMu sync.Mutex

// reload 处理配置文件变更：Worker 设置变化时注册新版本，其他字段需要重启才能生效。
func (svc *service) reload(next *config.Config, err error) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	fields := logging.BaseFields("reload_config", "")
	if err != nil {
		svc.logger.WithError(err).WithFields(fields).Warn("配置变更校验失败，保持当前版本")
		return
	}

	if next.Global != svc.cfg.Global || next.Redis != svc.cfg.Redis {
		svc.logger.WithFields(fields).Warn("全局/存储配置变更需要重启后生效")
	}
	if next.Worker.Equal(svc.cfg.Worker) {
		return
	}

	w, err := svc.newWorker(next.Worker)
	if err == nil {
		err = svc.host.Register(context.Background(), w)
	}
	fields["cache_version"] = next.Worker.CacheVersion
	if err != nil {
		svc.logger.WithError(err).WithFields(fields).Error("新版本注册失败，保持当前版本")
		return
	}
	svc.cfg.Worker = next.Worker
	svc.logger.WithFields(fields).Info("新版本已激活")
}
