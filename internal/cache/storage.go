package cache

import (
	"fmt"
	"path/filepath"
)

// OpenStorage 根据配置的驱动名称构建 Storage。
func OpenStorage(driver, basePath string) (Storage, error) {
	switch driver {
	case "", "fs":
		return NewStore(basePath)
	case "sqlite":
		return OpenSQLite(filepath.Join(basePath, sqliteFileName))
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
