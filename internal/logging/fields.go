package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本、请求方法/路径与处理结果（hit/miss/bypass/unavailable）字段。
func RequestFields(version, method, path, outcome string) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"method":        method,
		"path":          path,
		"outcome":       outcome,
	}
}

// LifecycleFields 用于 install/activate 等生命周期日志。
func LifecycleFields(event, version string) logrus.Fields {
	return logrus.Fields{
		"action":        "lifecycle",
		"event":         event,
		"cache_version": version,
	}
}
