package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/keyflow/config"
)

// processedFile 是 SQLite 后端的记录模型。
type processedFile struct {
	Path        string    `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (processedFile) TableName() string { return "processed_files" }

// SQLiteCache 基于单文件 SQLite 的持久化缓存，运行之间保留
// 已处理记录，无需任何外部服务。
type SQLiteCache struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteCache 打开（或创建）数据库文件并迁移表结构。
func NewSQLiteCache(cfg config.SQLiteConfig, logger *zap.Logger) (*SQLiteCache, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	if err := db.AutoMigrate(&processedFile{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite cache: %w", err)
	}

	logger.Info("sqlite cache initialized", zap.String("path", cfg.Path))

	return &SQLiteCache{
		db:     db,
		logger: logger.With(zap.String("component", "sqlite_cache")),
	}, nil
}

// IsCached 判断文件是否已处理。查询失败按未缓存处理。
func (c *SQLiteCache) IsCached(ctx context.Context, path string, force bool) bool {
	if force {
		return false
	}
	var rec processedFile
	err := c.db.WithContext(ctx).First(&rec, "path = ?", path).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.logger.Warn("cache lookup failed", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	return true
}

// MarkProcessed 记录文件已处理（重复标记为 upsert）。
func (c *SQLiteCache) MarkProcessed(ctx context.Context, path string) error {
	rec := processedFile{Path: path, ProcessedAt: time.Now()}
	if err := c.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Clear 清空全部记录。
func (c *SQLiteCache) Clear(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Where("1 = 1").Delete(&processedFile{}).Error; err != nil {
		return fmt.Errorf("cache clear failed: %w", err)
	}
	return nil
}

// Backend 返回后端标识。
func (c *SQLiteCache) Backend() string { return "sqlite" }

// Close 关闭数据库连接。
func (c *SQLiteCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
