package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供方法/路径/分类/缓存状态字段，供代理请求日志复用。
func RequestFields(method, path, classification, strategy, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"method":         method,
		"path":           path,
		"classification": classification,
		"strategy":       strategy,
		"cache":          cacheStatus,
	}
}

// PartitionFields 描述一次分区维护动作（安装、激活、清理）。
func PartitionFields(action string, current []string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"partitions": current,
	}
}
