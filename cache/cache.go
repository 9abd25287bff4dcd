package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/config"
)

// ResultCache 记录哪些文件已经处理过，让中断后重启的批处理
// 跳过已完成的条目。缓存只存"已处理"事实，不存分析结果本身；
// 结果写在图片旁的 XMP sidecar 里。
type ResultCache interface {
	// IsCached 判断文件是否已处理。force 为 true 时恒为 false。
	IsCached(ctx context.Context, path string, force bool) bool
	// MarkProcessed 记录文件已处理。
	MarkProcessed(ctx context.Context, path string) error
	// Clear 清空全部记录。
	Clear(ctx context.Context) error
	// Backend 返回后端标识，用于日志与指标 label。
	Backend() string
	// Close 释放后端资源。
	Close() error
}

// New 按配置创建缓存后端。
func New(cfg config.CacheConfig, logger *zap.Logger) (ResultCache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(cfg.Redis, logger)
	case "sqlite":
		return NewSQLiteCache(cfg.SQLite, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}
