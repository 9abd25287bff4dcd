package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:11434"}, cfg.Ollama.Endpoints)
	assert.Equal(t, "health_based", cfg.Ollama.Strategy)
	assert.Equal(t, 3, cfg.Ollama.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Ollama.AcquireTimeout)
	assert.Equal(t, 5, cfg.Processing.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Processing.MaxPause)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoader_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyflow.yaml")
	content := `
ollama:
  endpoints:
    - http://gpu1:11434
    - http://gpu2:11434
  model: llava:34b
  strategy: round_robin
  max_concurrent: 5
processing:
  batch_size: 10
  recursive: false
cache:
  backend: redis
  redis:
    addr: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://gpu1:11434", "http://gpu2:11434"}, cfg.Ollama.Endpoints)
	assert.Equal(t, "llava:34b", cfg.Ollama.Model)
	assert.Equal(t, "round_robin", cfg.Ollama.Strategy)
	assert.Equal(t, 5, cfg.Ollama.MaxConcurrent)
	assert.Equal(t, 10, cfg.Processing.BatchSize)
	assert.False(t, cfg.Processing.Recursive)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)

	// 文件未覆盖的字段保留默认值
	assert.Equal(t, 3, cfg.Ollama.MaxRetries)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ollama:\n  model: llava:13b\n"), 0o644))

	t.Setenv("KEYFLOW_OLLAMA_MODEL", "qwen2-vl")
	t.Setenv("KEYFLOW_OLLAMA_ENDPOINTS", "http://a:11434, http://b:11434")
	t.Setenv("KEYFLOW_PROCESSING_BATCH_SIZE", "7")
	t.Setenv("KEYFLOW_OLLAMA_REQUEST_TIMEOUT", "90s")
	t.Setenv("KEYFLOW_PROCESSING_FORCE", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "qwen2-vl", cfg.Ollama.Model)
	assert.Equal(t, []string{"http://a:11434", "http://b:11434"}, cfg.Ollama.Endpoints)
	assert.Equal(t, 7, cfg.Processing.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Ollama.RequestTimeout)
	assert.True(t, cfg.Processing.Force)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/keyflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Ollama.Model, cfg.Ollama.Model)
}

func TestLoader_Validator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			c.Ollama.Endpoints = nil
			return c.Validate()
		}).
		Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Ollama.Endpoints = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.Backend = "etcd"
	assert.Error(t, cfg.Validate())
}

func TestConfig_Normalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ollama.MaxConcurrent = 0
	cfg.Ollama.Temperature = 9
	cfg.Processing.BatchSize = -1
	cfg.Processing.CPUThreshold = 200

	fixed := cfg.Normalize()

	assert.ElementsMatch(t, []string{
		"ollama.max_concurrent",
		"ollama.temperature",
		"processing.batch_size",
		"processing.cpu_threshold",
	}, fixed)
	assert.Equal(t, 3, cfg.Ollama.MaxConcurrent)
	assert.Equal(t, 0.3, cfg.Ollama.Temperature)
	assert.Equal(t, 5, cfg.Processing.BatchSize)
	assert.Equal(t, float64(90), cfg.Processing.CPUThreshold)

	// 合法配置不应被修正
	assert.Empty(t, DefaultConfig().Normalize())
}
