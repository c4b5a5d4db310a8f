package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadMemoryDriverKeepsEmptyPath(t *testing.T) {
	cfg := `
StorageDriver = "MEMORY"
StoragePath = ""
Origin = "https://app.example.com/"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("memory 驱动不需要 StoragePath: %v", err)
	}
	if loaded.Global.StorageDriver != StorageDriverMemory {
		t.Fatalf("驱动名称应被标准化，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.Global.Origin != "https://app.example.com" {
		t.Fatalf("Origin 末尾的 / 应被去除，得到 %s", loaded.Global.Origin)
	}
	if loaded.Cache.StaticName != "static-v1" || loaded.Cache.DynamicName != "dynamic-v1" {
		t.Fatalf("分区名称应使用默认值: %+v", loaded.Cache)
	}
}
