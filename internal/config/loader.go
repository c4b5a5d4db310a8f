package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认的静态资源清单，对应单页应用的入口文件。
var defaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
}

var defaultDevHosts = []string{"localhost", "127.0.0.1", "::1"}

var defaultDevPathPrefixes = []string{
	"/@vite",
	"/@react-refresh",
	"/@fs/",
	"/src/",
	"/node_modules/",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	applyRouteDefaults(&cfg.Routes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver != StorageDriverMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Cache.StaticName", "static-v1")
	v.SetDefault("Cache.DynamicName", "dynamic-v1")
	v.SetDefault("Cache.CleanupInterval", "24h")
	v.SetDefault("Cache.InstallConcurrency", 4)
	v.SetDefault("Cache.MaxBackgroundTasks", 32)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

func applyCacheDefaults(c *CacheConfig) {
	c.StaticName = strings.TrimSpace(c.StaticName)
	c.DynamicName = strings.TrimSpace(c.DynamicName)
	if c.CleanupInterval.DurationValue() == 0 {
		c.CleanupInterval = Duration(24 * time.Hour)
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = 4
	}
	if c.MaxBackgroundTasks <= 0 {
		c.MaxBackgroundTasks = 32
	}
	if c.Precache == nil {
		c.Precache = append([]string(nil), defaultPrecache...)
	}
}

func applyRouteDefaults(r *RouteConfig) {
	if r.APIPatterns == nil {
		r.APIPatterns = []string{"/api/"}
	}
	if r.DevHosts == nil {
		r.DevHosts = append([]string(nil), defaultDevHosts...)
	}
	if r.DevPathPrefixes == nil {
		r.DevPathPrefixes = append([]string(nil), defaultDevPathPrefixes...)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
