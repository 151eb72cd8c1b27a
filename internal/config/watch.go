package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变更；每次写入都会重新走一遍 Load（默认值 + 校验）后回调，
// 校验失败时以 err 形式交给调用方决定是否忽略。
func Watch(path string, onChange func(*Config, error)) error {
	if onChange == nil {
		return fmt.Errorf("watch %s: callback required", path)
	}
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}
