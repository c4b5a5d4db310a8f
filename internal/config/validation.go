package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const supportedStorageDrivers = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDrivers)
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	return c.Routes.validate()
}

func (c CacheConfig) validate() error {
	if err := validatePartitionName(c.StaticName); err != nil {
		return fmt.Errorf("Cache.StaticName: %w", err)
	}
	if err := validatePartitionName(c.DynamicName); err != nil {
		return fmt.Errorf("Cache.DynamicName: %w", err)
	}
	if c.StaticName == c.DynamicName {
		return newFieldError("Cache.DynamicName", "不能与 StaticName 相同")
	}
	if c.CleanupInterval.DurationValue() <= 0 {
		return newFieldError("Cache.CleanupInterval", "必须大于 0")
	}
	if c.InstallConcurrency <= 0 {
		return newFieldError("Cache.InstallConcurrency", "必须大于 0")
	}
	if c.MaxBackgroundTasks <= 0 {
		return newFieldError("Cache.MaxBackgroundTasks", "必须大于 0")
	}
	for i, asset := range c.Precache {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(listField("Cache.Precache", i), "必须以 / 开头")
		}
	}
	return nil
}

func (r RouteConfig) validate() error {
	for i, pattern := range r.APIPatterns {
		if err := validatePattern(pattern); err != nil {
			return fmt.Errorf("%s: %w", listField("Routes.APIPatterns", i), err)
		}
	}
	for i, prefix := range r.DevPathPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(listField("Routes.DevPathPrefixes", i), "必须以 / 开头")
		}
	}
	for i, host := range r.DevHosts {
		if strings.TrimSpace(host) == "" {
			return newFieldError(listField("Routes.DevHosts", i), "不能为空")
		}
	}
	return nil
}

// validatePattern 以 ^ 开头的规则按正则编译，其余视为路径前缀。
func validatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("规则不能为空")
	}
	if strings.HasPrefix(pattern, "^") {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("正则无效: %w", err)
		}
		return nil
	}
	if !strings.HasPrefix(pattern, "/") {
		return errors.New("前缀规则必须以 / 开头")
	}
	return nil
}

func validatePartitionName(name string) error {
	if name == "" {
		return errors.New("分区名称不能为空")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("分区名称非法: %s", name)
	}
	if strings.ContainsAny(name, `/\ `) {
		return fmt.Errorf("分区名称不允许包含路径分隔符或空格: %s", name)
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
