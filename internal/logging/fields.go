package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 提供安装/激活阶段共用的代际与桶字段。
func LifecycleFields(action, generation, bucket string) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"generation": generation,
	}
	if bucket != "" {
		fields["bucket"] = bucket
	}
	return fields
}

// RequestFields 提供代际/分类/策略/命中状态字段，供拦截请求日志复用。
func RequestFields(generation, class, strategy, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"class":      class,
		"strategy":   strategy,
		"path":       path,
		"cache_hit":  cacheHit,
	}
}
