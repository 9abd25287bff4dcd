// =============================================================================
// 📦 KeyFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Ollama:     DefaultOllamaConfig(),
		Processing: DefaultProcessingConfig(),
		Cache:      DefaultCacheConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultOllamaConfig 返回默认推理后端配置
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Endpoints:         []string{"http://localhost:11434"},
		Model:             "llava:13b",
		Strategy:          "health_based",
		MaxConcurrent:     3,
		MaxRetries:        3,
		RequestTimeout:    5 * time.Minute,
		AcquireTimeout:    30 * time.Second,
		RetryBackoff:      2 * time.Second,
		RecoveryPause:     2 * time.Second,
		Temperature:       0.3,
		SkipChatAPI:       false,
		PullOnStart:       false,
		MonitorInterval:   30 * time.Second,
		AutoResetInterval: 0,
	}
}

// DefaultProcessingConfig 返回默认批处理配置
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		BatchSize:           5,
		Workers:             3,
		PauseBetweenBatches: 2 * time.Second,
		MaxPause:            60 * time.Second,
		CPUThreshold:        90,
		CPUSleep:            10 * time.Second,
		Recursive:           true,
		Force:               false,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend: "memory",
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      0,
		},
		SQLite: SQLiteConfig{
			Path: "keyflow-cache.db",
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "keyflow",
		SampleRate:   0.1,
	}
}
