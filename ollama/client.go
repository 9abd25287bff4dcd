package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/internal/metrics"
	"github.com/BaSui01/keyflow/types"
)

// ClientConfig 配置多实例推理客户端。
type ClientConfig struct {
	// 后端端点列表；为空是致命配置错误
	Endpoints []string
	// 负载均衡策略
	Strategy Strategy
	// 单实例并发上限（准入门控容量）
	MaxConcurrent int
	// 单次逻辑调用的最大尝试次数
	MaxRetries int
	// 单次网络请求超时
	RequestTimeout time.Duration
	// 准入门控的有界等待时长
	AcquireTimeout time.Duration
	// 失败尝试之间的固定退避
	RetryBackoff time.Duration
	// 所有候选实例均过载时的恢复暂停
	RecoveryPause time.Duration
}

// DefaultClientConfig 返回默认客户端配置。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Strategy:       StrategyHealthBased,
		MaxConcurrent:  3,
		MaxRetries:     3,
		RequestTimeout: 300 * time.Second,
		AcquireTimeout: 30 * time.Second,
		RetryBackoff:   2 * time.Second,
		RecoveryPause:  2 * time.Second,
	}
}

// Client 执行带重试与准入门控的单次逻辑推理调用。
type Client struct {
	cfg      ClientConfig
	pool     *Pool
	selector *Selector
	http     *http.Client
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// NewClient 创建多实例推理客户端。
func NewClient(cfg ClientConfig, logger *zap.Logger, collector *metrics.Collector) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RecoveryPause < 0 {
		cfg.RecoveryPause = def.RecoveryPause
	}

	pool, err := NewPool(cfg.Endpoints, cfg.MaxConcurrent, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		pool:     pool,
		selector: NewSelector(cfg.Strategy),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger.With(zap.String("component", "ollama_client")),
		metrics:  collector,
		tracer:   otel.Tracer("keyflow/ollama"),
	}, nil
}

// Pool 返回底层实例池。
func (c *Client) Pool() *Pool {
	return c.pool
}

// Selector 返回选择器，供运行期切换策略。
func (c *Client) Selector() *Selector {
	return c.selector
}

// selectInstance 执行一次完整的实例选择：先按模型过滤，再按过载
// 谓词划分健康候选；健康集为空时施加固定恢复暂停后退回全量候选。
// 仅当过滤前候选集为空时返回 nil（"无容量"终止信号）。
func (c *Client) selectInstance(ctx context.Context, model string) *Instance {
	candidates := c.pool.Serving(model)
	if len(candidates) == 0 {
		return nil
	}

	snapshots := make([]InstanceStats, len(candidates))
	for i, inst := range candidates {
		snapshots[i] = inst.Snapshot()
	}

	healthyIdx := make([]int, 0, len(candidates))
	for i := range snapshots {
		if !snapshots[i].IsOverloaded() {
			healthyIdx = append(healthyIdx, i)
		}
	}

	pickFrom := snapshots
	mapping := candidates
	if len(healthyIdx) == 0 {
		// 所有实例饱和：刻意的降载阀，给后端喘息时间
		c.logger.Warn("all instances overloaded, applying recovery pause",
			zap.Duration("pause", c.cfg.RecoveryPause))
		_ = sleepCtx(ctx, c.cfg.RecoveryPause)
	} else if len(healthyIdx) < len(candidates) {
		pickFrom = make([]InstanceStats, len(healthyIdx))
		mapping = make([]*Instance, len(healthyIdx))
		for i, idx := range healthyIdx {
			pickFrom[i] = snapshots[idx]
			mapping[i] = candidates[idx]
		}
	}

	idx := c.selector.Pick(pickFrom)
	if idx < 0 {
		return nil
	}
	selected := mapping[idx]
	c.logger.Debug("instance selected",
		zap.String("instance", selected.URL),
		zap.String("strategy", string(c.selector.Strategy())),
		zap.Int("active", pickFrom[idx].Active),
		zap.Int64("total", pickFrom[idx].Total))
	return selected
}

// GenerateRequest 是 /api/generate 的请求参数。
type GenerateRequest struct {
	Model       string
	Prompt      string
	System      string
	Temperature float32
}

// ChatMessage 是 /api/chat 的单条消息；Images 为 base64 编码的图片。
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Generate 通过负载均衡执行一次文本补全。
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	payload := map[string]any{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
		"stream":      false,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	return c.infer(ctx, req.Model, "/api/generate", payload, func(body []byte) (string, error) {
		var r generateResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return "", err
		}
		return r.Response, nil
	})
}

// Chat 通过负载均衡执行一次对话补全（支持多模态消息）。
func (c *Client) Chat(ctx context.Context, model string, messages []ChatMessage, temperature float32) (string, error) {
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"stream":      false,
	}
	return c.infer(ctx, model, "/api/chat", payload, func(body []byte) (string, error) {
		var r chatResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return "", err
		}
		return r.Message.Content, nil
	})
}

// infer 是重试驱动：最多 MaxRetries 次尝试，每次尝试重新选择实例、
// 有界等待准入门控、在请求超时内执行调用，并只更新本次实际使用
// 实例的统计。门控获取超时不计入实例统计，仅消耗一次尝试。
// 耗尽尝试后返回失败信号（结构化错误），而非异常传播。
func (c *Client) infer(ctx context.Context, model, path string, payload map[string]any, extract func([]byte) (string, error)) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ollama.infer",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.String("path", path),
		))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		inst := c.selectInstance(ctx, model)
		if inst == nil {
			// 没有可重试的目标，整个调用立即终止
			c.logger.Error("no available instances", zap.String("model", model))
			c.metrics.IncNoCapacity()
			err := types.NewError(types.ErrNoCapacity, "no available instances for model").WithRetryable(false)
			span.SetStatus(codes.Error, string(types.ErrNoCapacity))
			return "", err
		}

		acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		acquireErr := inst.Acquire(acquireCtx)
		cancel()
		if acquireErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// 门控超时：不算实例失败，换一次尝试（可能选中别的实例）
			c.logger.Warn("admission gate acquire timed out",
				zap.String("instance", inst.URL),
				zap.Duration("timeout", c.cfg.AcquireTimeout),
				zap.Int("attempt", attempt))
			c.metrics.IncGateTimeout(inst.URL)
			continue
		}

		c.logger.Info("sending inference request",
			zap.String("instance", inst.URL),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.cfg.MaxRetries))

		start := time.Now()
		text, callErr := func() (string, error) {
			// 门控释放走 defer，响应解析中的 panic 也不会泄漏名额
			defer inst.Release()
			return c.call(ctx, inst, path, body, extract)
		}()
		latency := time.Since(start)

		inst.UpdateStats(callErr == nil, latency)
		c.metrics.ObserveInference(inst.URL, model, callErr == nil, latency)

		if callErr == nil {
			span.SetAttributes(attribute.String("instance", inst.URL))
			return text, nil
		}

		lastErr = callErr
		c.logger.Error("inference attempt failed",
			zap.String("instance", inst.URL),
			zap.Duration("latency", latency),
			zap.Int("attempt", attempt),
			zap.Error(callErr))

		if attempt < c.cfg.MaxRetries {
			if err := sleepCtx(ctx, c.cfg.RetryBackoff); err != nil {
				return "", err
			}
		}
	}

	span.SetStatus(codes.Error, string(types.ErrRetriesExhausted))
	return "", types.NewError(types.ErrRetriesExhausted,
		fmt.Sprintf("inference failed after %d attempts", c.cfg.MaxRetries)).WithCause(lastErr)
}

// call 执行单次网络调用；门控已由调用方持有。
func (c *Client) call(ctx context.Context, inst *Instance, path string, body []byte, extract func([]byte) (string, error)) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, inst.URL+path, bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrUpstreamError, "build request").
			WithCause(err).WithInstance(inst.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.http.Do(req)
	if err != nil {
		code := types.ErrUpstreamError
		if reqCtx.Err() == context.DeadlineExceeded {
			code = types.ErrUpstreamTimeout
		}
		return "", types.NewError(code, "transport failure").
			WithCause(err).WithRetryable(true).WithInstance(inst.URL)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewError(types.ErrUpstreamError, "read response").
			WithCause(err).WithRetryable(true).WithInstance(inst.URL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("backend returned status %d", resp.StatusCode)).
			WithHTTPStatus(resp.StatusCode).WithRetryable(true).WithInstance(inst.URL)
	}

	return extract(raw)
}

// AnalyzeRequest 是一次图像分析调用的参数。
type AnalyzeRequest struct {
	Model        string
	ImagePath    string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	// 跳过 chat API，改用 generate + 内联图片（兼容旧后端）
	SkipChatAPI bool
}

// GenerateWithImage 对单张图片执行多模态推理，返回模型原始文本。
func (c *Client) GenerateWithImage(ctx context.Context, req AnalyzeRequest) (string, error) {
	data, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	prompt := req.UserPrompt
	if prompt == "" {
		prompt = "Analyze this image and provide detailed keywords."
	}

	if !req.SkipChatAPI {
		messages := []ChatMessage{}
		if req.SystemPrompt != "" {
			messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
		}
		messages = append(messages, ChatMessage{
			Role:    "user",
			Content: prompt,
			Images:  []string{encoded},
		})
		return c.Chat(ctx, req.Model, messages, req.Temperature)
	}

	inline := fmt.Sprintf("%s\n![Image](data:image/jpeg;base64,%s)", prompt, encoded)
	return c.Generate(ctx, GenerateRequest{
		Model:       req.Model,
		Prompt:      inline,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
	})
}

// AnalyzeImage 执行多模态推理并对响应应用修复管线。
// 推理失败返回错误（条目级失败）；修复本身从不失败。
func (c *Client) AnalyzeImage(ctx context.Context, req AnalyzeRequest) (*types.KeywordResult, error) {
	raw, err := c.GenerateWithImage(ctx, req)
	if err != nil {
		return nil, err
	}
	return Repair(raw), nil
}

// sleepCtx 在 d 与 ctx 取消之间等待先到者。
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
