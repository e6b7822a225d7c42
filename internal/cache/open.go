package cache

import (
	"fmt"
	"strings"
)

// Open 按驱动名创建 Store：fs 使用目录，sqlite 使用单个数据库文件，memory 忽略 path。
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewStore(path)
	case "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
