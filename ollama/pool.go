package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/types"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultTagsTimeout  = 10 * time.Second
	defaultPullTimeout  = 10 * time.Minute
	warmupTimeout       = 30 * time.Second
)

// Pool 持有配置的后端实例集合，负责周期性探测可用性与模型列表。
// 实例由 Pool 独占所有权；调用方只在一次调用期间借用实例句柄。
type Pool struct {
	instances []*Instance
	http      *http.Client
	logger    *zap.Logger
}

// NewPool 根据端点列表创建实例池。空端点列表是唯一的致命配置错误。
func NewPool(endpoints []string, concurrencyLimit int, logger *zap.Logger) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, types.NewError(types.ErrInvalidConfig, "no backend endpoints configured")
	}
	instances := make([]*Instance, 0, len(endpoints))
	for _, ep := range endpoints {
		instances = append(instances, NewInstance(strings.TrimRight(ep, "/"), concurrencyLimit))
	}
	return &Pool{
		instances: instances,
		http:      &http.Client{},
		logger:    logger.With(zap.String("component", "ollama_pool")),
	}, nil
}

// Instances 返回全部实例（含不可用者）。
func (p *Pool) Instances() []*Instance {
	return p.instances
}

// Available 返回最近探测为可用的实例子集。
// 空结果是合法状态（所有后端都宕机），表示"无容量"而非错误。
func (p *Pool) Available() []*Instance {
	var out []*Instance
	for _, inst := range p.instances {
		if inst.Available() {
			out = append(out, inst)
		}
	}
	return out
}

// Serving 返回可用且服务指定模型的实例；若没有实例显式声明
// 该模型，则回退到全部可用实例（"未知"视为"可能支持"）。
func (p *Pool) Serving(model string) []*Instance {
	available := p.Available()
	if model == "" {
		return available
	}
	var serving []*Instance
	for _, inst := range available {
		if inst.Snapshot().Serves(model) {
			serving = append(serving, inst)
		}
	}
	if len(serving) == 0 {
		return available
	}
	return serving
}

// Stats 返回全部实例的统计快照。
func (p *Pool) Stats() []InstanceStats {
	out := make([]InstanceStats, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.Snapshot())
	}
	return out
}

// ProbeAll 并发探测所有实例的可达性与模型列表。
// 任何失败只标记 available=false 并记录日志，从不向调用方抛错。
func (p *Pool) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range p.instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			p.probe(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (p *Pool) probe(ctx context.Context, inst *Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, inst.URL+"/", nil)
	if err != nil {
		inst.SetAvailability(false, nil)
		return
	}
	resp, err := p.http.Do(req)
	if err != nil {
		inst.SetAvailability(false, nil)
		p.logger.Warn("instance probe failed", zap.String("instance", inst.URL), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		inst.SetAvailability(false, nil)
		p.logger.Warn("instance probe failed",
			zap.String("instance", inst.URL), zap.Int("status", resp.StatusCode))
		return
	}

	models := p.fetchModels(ctx, inst)
	inst.SetAvailability(true, models)
	p.logger.Info("instance available",
		zap.String("instance", inst.URL), zap.Int("models", len(models)))
}

// tagsResponse 对应 GET /api/tags 的响应体。
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *Pool) fetchModels(ctx context.Context, inst *Instance) []string {
	tagsCtx, cancel := context.WithTimeout(ctx, defaultTagsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tagsCtx, http.MethodGet, inst.URL+"/api/tags", nil)
	if err != nil {
		return []string{}
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return []string{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return []string{}
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return []string{}
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models
}

// ListModels 汇总所有可用实例服务的模型，按名称去重。
func (p *Pool) ListModels(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, inst := range p.Available() {
		for _, m := range p.fetchModels(ctx, inst) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// PullModel 在所有可用实例上预拉取并预热指定模型。
// 只要任一实例最终服务该模型即返回 true。
func (p *Pool) PullModel(ctx context.Context, model string) bool {
	success := false
	for _, inst := range p.Available() {
		snap := inst.Snapshot()
		if len(snap.Models) > 0 && snap.Serves(model) {
			p.logger.Info("model already present",
				zap.String("instance", inst.URL), zap.String("model", model))
			success = true
			continue
		}
		if p.pullAndWarmup(ctx, inst, model) {
			models := append(snap.Models, model)
			inst.SetAvailability(true, models)
			success = true
		}
	}
	return success
}

func (p *Pool) pullAndWarmup(ctx context.Context, inst *Instance, model string) bool {
	p.logger.Info("pulling model", zap.String("instance", inst.URL), zap.String("model", model))

	pullCtx, cancel := context.WithTimeout(ctx, defaultPullTimeout)
	defer cancel()
	pullBody, _ := json.Marshal(map[string]any{"name": model, "stream": false})
	if !p.post(pullCtx, inst.URL+"/api/pull", pullBody) {
		p.logger.Warn("model pull failed", zap.String("instance", inst.URL), zap.String("model", model))
		return false
	}

	// 用一次最小请求加载模型权重
	warmCtx, cancelWarm := context.WithTimeout(ctx, warmupTimeout)
	defer cancelWarm()
	warmBody, _ := json.Marshal(map[string]any{"model": model, "prompt": "Hello", "stream": false})
	if !p.post(warmCtx, inst.URL+"/api/generate", warmBody) {
		p.logger.Warn("model warmup failed", zap.String("instance", inst.URL), zap.String("model", model))
		return false
	}

	p.logger.Info("model loaded", zap.String("instance", inst.URL), zap.String("model", model))
	return true
}

func (p *Pool) post(ctx context.Context, url string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ResetStats 清零单个实例的统计；与并发 UpdateStats 的原子性由
// 实例自身的锁保证，不同实例互不串行化。
func (p *Pool) ResetStats(inst *Instance) {
	inst.ResetStats()
	p.logger.Info("instance statistics reset", zap.String("instance", inst.URL))
}

// ResetAllStats 清零全部实例的统计。
func (p *Pool) ResetAllStats() {
	for _, inst := range p.instances {
		inst.ResetStats()
	}
	p.logger.Info("all instance statistics reset")
}

// StartAutoReset 启动周期性统计清零，直到 ctx 取消。
func (p *Pool) StartAutoReset(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ResetAllStats()
			}
		}
	}()
	p.logger.Info("auto reset enabled", zap.Duration("interval", interval))
}

// StartMonitor 启动健康监控：周期性重新探测；运行中发现过载实例
// 则清零其统计给予恢复机会；全部实例不可用时告警并在短暂等待后
// 重新探测。activeFn 报告批处理是否正在运行。
func (p *Pool) StartMonitor(ctx context.Context, interval time.Duration, activeFn func() bool) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if activeFn != nil && !activeFn() {
					continue
				}
				p.ProbeAll(ctx)

				overloaded := 0
				for _, inst := range p.instances {
					if inst.Snapshot().IsOverloaded() {
						overloaded++
						p.ResetStats(inst)
					}
				}
				if overloaded > 0 {
					p.logger.Warn("overloaded instances detected", zap.Int("count", overloaded))
				}

				if len(p.Available()) == 0 && len(p.instances) > 0 {
					p.logger.Warn("all instances unavailable, retrying probe")
					select {
					case <-ctx.Done():
						return
					case <-time.After(10 * time.Second):
					}
					p.ProbeAll(ctx)
				}
			}
		}
	}()
	p.logger.Info("health monitor started", zap.Duration("interval", interval))
}

// Summary 便于在日志中打印实例概要。
func (p *Pool) Summary() string {
	parts := make([]string, 0, len(p.instances))
	for _, s := range p.Stats() {
		parts = append(parts, fmt.Sprintf("%s(active=%d total=%d avg=%.2fs)",
			s.URL, s.Active, s.Total, s.AverageLatency().Seconds()))
	}
	return strings.Join(parts, ", ")
}
