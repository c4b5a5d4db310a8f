package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与源站。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// CacheConfig 描述两个缓存分区的版本标签以及生命周期参数。
// 修改 StaticName/DynamicName 即代表发布新版本，旧分区会在下次激活时被清理。
type CacheConfig struct {
	StaticName         string   `mapstructure:"StaticName"`
	DynamicName        string   `mapstructure:"DynamicName"`
	Precache           []string `mapstructure:"Precache"`
	CleanupInterval    Duration `mapstructure:"CleanupInterval"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	MaxBackgroundTasks int      `mapstructure:"MaxBackgroundTasks"`
}

// RouteConfig 决定请求分类规则与开发环境旁路规则。
type RouteConfig struct {
	APIPatterns     []string `mapstructure:"APIPatterns"`
	DevHosts        []string `mapstructure:"DevHosts"`
	DevPathPrefixes []string `mapstructure:"DevPathPrefixes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	Routes RouteConfig  `mapstructure:"Routes"`
}

// CurrentPartitions 返回当前生效的分区名称，顺序为 static、dynamic。
func (c *Config) CurrentPartitions() []string {
	return []string{c.Cache.StaticName, c.Cache.DynamicName}
}
