package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache 进程内缓存，适合一次性批处理运行。
type MemoryCache struct {
	mu        sync.RWMutex
	processed map[string]time.Time
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{processed: make(map[string]time.Time)}
}

// IsCached 判断文件是否已处理。
func (c *MemoryCache) IsCached(_ context.Context, path string, force bool) bool {
	if force {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.processed[path]
	return ok
}

// MarkProcessed 记录文件已处理。
func (c *MemoryCache) MarkProcessed(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[path] = time.Now()
	return nil
}

// Clear 清空全部记录。
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = make(map[string]time.Time)
	return nil
}

// Backend 返回后端标识。
func (c *MemoryCache) Backend() string { return "memory" }

// Close 实现 ResultCache。
func (c *MemoryCache) Close() error { return nil }

// Len 返回记录数，仅用于测试与统计日志。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.processed)
}
