package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/config"
)

const redisKeyPrefix = "keyflow:processed:"

// RedisCache 基于 Redis 的跨进程缓存，多台工作机可以共享同一份
// 已处理记录。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache 创建 Redis 缓存并验证连接。
func NewRedisCache(cfg config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis cache initialized",
		zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.TTL))

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "redis_cache")),
	}, nil
}

// redisKey 对路径做 base64 编码，避免分隔符与非 ASCII 路径破坏键空间。
func redisKey(path string) string {
	return redisKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(path))
}

// IsCached 判断文件是否已处理。Redis 故障按未缓存处理，
// 宁可重复分析也不丢条目。
func (c *RedisCache) IsCached(ctx context.Context, path string, force bool) bool {
	if force {
		return false
	}
	n, err := c.client.Exists(ctx, redisKey(path)).Result()
	if err != nil {
		c.logger.Warn("cache lookup failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return n > 0
}

// MarkProcessed 记录文件已处理。
func (c *RedisCache) MarkProcessed(ctx context.Context, path string) error {
	value := time.Now().Format(time.RFC3339)
	if err := c.client.Set(ctx, redisKey(path), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Clear 扫描并删除全部已处理记录。
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache clear failed: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan failed: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache clear failed: %w", err)
		}
	}
	return nil
}

// Backend 返回后端标识。
func (c *RedisCache) Backend() string { return "redis" }

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	return c.client.Close()
}
