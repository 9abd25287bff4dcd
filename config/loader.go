// =============================================================================
// 📦 KeyFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("keyflow.yaml").
//	    WithEnvPrefix("KEYFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 KeyFlow 的完整配置结构
type Config struct {
	// Ollama 推理后端配置
	Ollama OllamaConfig `yaml:"ollama" env:"OLLAMA"`

	// Processing 批处理配置
	Processing ProcessingConfig `yaml:"processing" env:"PROCESSING"`

	// Cache 结果缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// OllamaConfig 推理后端配置
type OllamaConfig struct {
	// 后端端点列表
	Endpoints []string `yaml:"endpoints" env:"ENDPOINTS"`
	// 视觉模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 负载均衡策略: round_robin, least_busy, fastest, health_based, random
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// 单实例并发上限
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 单次逻辑调用的最大尝试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 单次网络请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 准入门控等待超时
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	// 失败尝试之间的固定退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 全部实例过载时的恢复暂停
	RecoveryPause time.Duration `yaml:"recovery_pause" env:"RECOVERY_PAUSE"`
	// 采样温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 跳过 chat API，用 generate + 内联图片
	SkipChatAPI bool `yaml:"skip_chat_api" env:"SKIP_CHAT_API"`
	// 启动时预拉取模型
	PullOnStart bool `yaml:"pull_on_start" env:"PULL_ON_START"`
	// 系统提示词
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// 用户提示词
	UserPrompt string `yaml:"user_prompt" env:"USER_PROMPT"`
	// 健康监控间隔，0 表示关闭
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	// 统计自动清零间隔，0 表示关闭
	AutoResetInterval time.Duration `yaml:"auto_reset_interval" env:"AUTO_RESET_INTERVAL"`
}

// ProcessingConfig 批处理配置
type ProcessingConfig struct {
	// 标称批大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 批内 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 批间初始暂停
	PauseBetweenBatches time.Duration `yaml:"pause_between_batches" env:"PAUSE_BETWEEN_BATCHES"`
	// 批间暂停上限
	MaxPause time.Duration `yaml:"max_pause" env:"MAX_PAUSE"`
	// CPU 使用率阈值（百分比），超过则暂停调度
	CPUThreshold float64 `yaml:"cpu_threshold" env:"CPU_THRESHOLD"`
	// CPU 压力下的等待时长
	CPUSleep time.Duration `yaml:"cpu_sleep" env:"CPU_SLEEP"`
	// 递归遍历子目录
	Recursive bool `yaml:"recursive" env:"RECURSIVE"`
	// 忽略缓存与已有关键词，强制重新处理
	Force bool `yaml:"force" env:"FORCE"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	// 后端类型: memory, redis, sqlite
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// SQLite 后端配置
	SQLite SQLiteConfig `yaml:"sqlite" env:"SQLITE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 记录过期时间，0 表示永不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	// 数据库文件路径
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KEYFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置。缺失后端端点是唯一的致命错误；
// 其余非法取值由 Normalize 回退到默认值。
func (c *Config) Validate() error {
	if len(c.Ollama.Endpoints) == 0 {
		return fmt.Errorf("config validation errors: ollama.endpoints must not be empty")
	}
	switch c.Cache.Backend {
	case "", "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("config validation errors: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// Normalize 将非法或缺失的取值回退到默认值，并返回被修正的字段名。
// 调用方应当对每个被修正的字段记录一条警告日志。
func (c *Config) Normalize() []string {
	def := DefaultConfig()
	var fixed []string

	if c.Ollama.MaxConcurrent <= 0 {
		c.Ollama.MaxConcurrent = def.Ollama.MaxConcurrent
		fixed = append(fixed, "ollama.max_concurrent")
	}
	if c.Ollama.MaxRetries <= 0 {
		c.Ollama.MaxRetries = def.Ollama.MaxRetries
		fixed = append(fixed, "ollama.max_retries")
	}
	if c.Ollama.RequestTimeout <= 0 {
		c.Ollama.RequestTimeout = def.Ollama.RequestTimeout
		fixed = append(fixed, "ollama.request_timeout")
	}
	if c.Ollama.Temperature < 0 || c.Ollama.Temperature > 2 {
		c.Ollama.Temperature = def.Ollama.Temperature
		fixed = append(fixed, "ollama.temperature")
	}
	if c.Processing.BatchSize <= 0 {
		c.Processing.BatchSize = def.Processing.BatchSize
		fixed = append(fixed, "processing.batch_size")
	}
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = def.Processing.Workers
		fixed = append(fixed, "processing.workers")
	}
	if c.Processing.MaxPause <= 0 {
		c.Processing.MaxPause = def.Processing.MaxPause
		fixed = append(fixed, "processing.max_pause")
	}
	if c.Processing.CPUThreshold <= 0 || c.Processing.CPUThreshold > 100 {
		c.Processing.CPUThreshold = def.Processing.CPUThreshold
		fixed = append(fixed, "processing.cpu_threshold")
	}
	return fixed
}
