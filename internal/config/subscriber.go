package config

import (
	"go.uber.org/zap"
)

// ConfigSubscriber 配置订阅者接口
type ConfigSubscriber interface {
	// OnConfigUpdate 当配置更新时调用
	OnConfigUpdate(newConfig *Config) error
}

// SubscriberFunc 将普通函数适配为 ConfigSubscriber
type SubscriberFunc func(newConfig *Config) error

// OnConfigUpdate implements ConfigSubscriber
func (f SubscriberFunc) OnConfigUpdate(newConfig *Config) error {
	return f(newConfig)
}

// SubscribeModule 添加模块订阅者。模块更新失败只记录日志，不影响其他模块。
func (cm *ConfigManager) SubscribeModule(name string, subscriber ConfigSubscriber) func() {
	return cm.Subscribe(func(config *Config) {
		if err := subscriber.OnConfigUpdate(config); err != nil {
			cm.logger.Error("Module config update failed",
				zap.String("module", name),
				zap.Error(err))
		}
	})
}
