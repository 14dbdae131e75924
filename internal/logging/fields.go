package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 url/策略/命中状态字段，供 fetch 事件日志复用。
func RequestFields(method, url, destination, strategy, cacheName string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":      method,
		"url":         url,
		"destination": destination,
		"strategy":    strategy,
		"cache_name":  cacheName,
		"cache_hit":   cacheHit,
	}
}

// EventFields 描述一次 worker 事件分发。
func EventFields(kind, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     "event",
		"event":      kind,
		"cache_name": cacheName,
	}
}
