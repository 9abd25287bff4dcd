package ollama

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// 过载判定阈值。
const (
	overloadActiveRatio  = 0.8              // 活跃请求达到容量的 80%
	overloadMinRequests  = 5                // 统计样本下限
	overloadLatencyBound = 10 * time.Second // 最近一次响应超过 10s
	overloadFailureRate  = 0.3              // 失败率超过 30%
	healthLoadPenaltyMax = 40.0
	healthLatencyCapMax  = 30.0
	healthFailurePenalty = 30.0
)

// Instance 表示一个可寻址的推理后端实例及其运行期统计。
// 所有计数器都在实例自身的锁下变更；准入门控由信号量实现，
// 保证同一实例的并发在途请求数不超过配置的上限。
type Instance struct {
	URL string

	mu           sync.Mutex
	available    bool
	lastCheck    time.Time
	models       []string
	active       int
	total        int64
	failed       int64
	totalLatency time.Duration
	lastLatency  time.Duration

	limit int64
	sem   *semaphore.Weighted
}

// NewInstance 创建实例并初始化准入门控。limit 小于 1 时按 1 处理。
// 实例初始不可用，可用性由探测结果驱动。
func NewInstance(url string, limit int) *Instance {
	if limit < 1 {
		limit = 1
	}
	return &Instance{
		URL:   url,
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
	}
}

// Acquire 在 ctx 限定的时间内获取准入门控。
// 成功后 activeRequests 加一；调用方必须配对调用 Release。
func (i *Instance) Acquire(ctx context.Context) error {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	i.mu.Lock()
	i.active++
	i.mu.Unlock()
	return nil
}

// Release 释放准入门控并递减 activeRequests。
func (i *Instance) Release() {
	i.mu.Lock()
	if i.active > 0 {
		i.active--
	}
	i.mu.Unlock()
	i.sem.Release(1)
}

// UpdateStats 记录一次完成的调用尝试。
// 约定：每次网络尝试（而非每个逻辑调用）更新一次；
// 门控获取超时不计入任何统计。
func (i *Instance) UpdateStats(success bool, latency time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.total++
	i.lastLatency = latency
	i.totalLatency += latency
	if !success {
		i.failed++
	}
}

// ResetStats 清零请求 / 失败 / 延迟计数器，保留可用性与模型列表。
func (i *Instance) ResetStats() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.total = 0
	i.failed = 0
	i.totalLatency = 0
	i.lastLatency = 0
}

// SetAvailability 更新探测结果。models 为 nil 时保留已知模型列表。
func (i *Instance) SetAvailability(available bool, models []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.available = available
	i.lastCheck = time.Now()
	if models != nil {
		i.models = models
	}
}

// Available 返回最近一次探测的可用性。
func (i *Instance) Available() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.available
}

// Snapshot 返回当前统计的一致性快照。
func (i *Instance) Snapshot() InstanceStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	models := make([]string, len(i.models))
	copy(models, i.models)
	return InstanceStats{
		URL:          i.URL,
		Available:    i.available,
		LastCheck:    i.lastCheck,
		Models:       models,
		Active:       i.active,
		Total:        i.total,
		Failed:       i.failed,
		TotalLatency: i.totalLatency,
		LastLatency:  i.lastLatency,
		Limit:        int(i.limit),
	}
}

// InstanceStats 是单个实例统计的不可变快照。
// 健康评分与过载判定都定义在快照上，使选择策略成为
// 纯函数，便于独立测试。
type InstanceStats struct {
	URL          string
	Available    bool
	LastCheck    time.Time
	Models       []string
	Active       int
	Total        int64
	Failed       int64
	TotalLatency time.Duration
	LastLatency  time.Duration
	Limit        int
}

// AverageLatency 返回平均响应时间，无历史时为 0。
func (s InstanceStats) AverageLatency() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return time.Duration(int64(s.TotalLatency) / s.Total)
}

// SuccessRate 返回成功率（0-100），无历史时为 100。
func (s InstanceStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Total-s.Failed) / float64(s.Total) * 100
}

// FailureRate 返回失败率（0-1），无历史时为 0。
func (s InstanceStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Serves 判断实例是否服务给定模型。
// 模型列表为空视为"可能支持"。
func (s InstanceStats) Serves(model string) bool {
	if len(s.Models) == 0 {
		return true
	}
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HealthScore 计算 0-100 的健康评分，越高越健康：
//
//	score = 100
//	score -= 40 * active/limit                  负载惩罚
//	if total > 0:
//	    score -= min(30, avgLatencySeconds/2)   延迟惩罚
//	    score -= 30 * failed/total              可靠性惩罚
//	score = max(0, score)
//
// 不可用实例评分恒为 0。
func (s InstanceStats) HealthScore() float64 {
	if !s.Available {
		return 0
	}
	score := 100.0
	if s.Limit > 0 {
		score -= healthLoadPenaltyMax * float64(s.Active) / float64(s.Limit)
	}
	if s.Total > 0 {
		latencyPenalty := s.AverageLatency().Seconds() / 2
		if latencyPenalty > healthLatencyCapMax {
			latencyPenalty = healthLatencyCapMax
		}
		score -= latencyPenalty
		score -= healthFailurePenalty * s.FailureRate()
	}
	if score < 0 {
		score = 0
	}
	return score
}

// IsOverloaded 判定实例是否过载。过载实例被排除出"健康"候选集，
// 但并不因此标记为不可用；评分只用于健康候选间的排序。
func (s InstanceStats) IsOverloaded() bool {
	if s.Limit > 0 && float64(s.Active) >= overloadActiveRatio*float64(s.Limit) {
		return true
	}
	if s.Total > overloadMinRequests && s.LastLatency > overloadLatencyBound {
		return true
	}
	if s.Total > overloadMinRequests && s.FailureRate() > overloadFailureRate {
		return true
	}
	return false
}
