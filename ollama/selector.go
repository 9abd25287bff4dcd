package ollama

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy 是负载均衡策略标识。
type Strategy string

const (
	// StrategyRoundRobin 轮询；游标跨调用、跨策略切换持续累加。
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastBusy 选择活跃请求最少的实例，平局取列表顺序靠前者。
	StrategyLeastBusy Strategy = "least_busy"
	// StrategyFastest 在有历史记录的实例中选平均延迟最低者，
	// 无任何历史时回退为轮询。
	StrategyFastest Strategy = "fastest"
	// StrategyHealthBased 取健康评分最高者，平局取列表顺序靠前者（推荐默认）。
	StrategyHealthBased Strategy = "health_based"
	// StrategyRandom 均匀随机。
	StrategyRandom Strategy = "random"
)

// ParseStrategy 校验并解析策略名。
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategyLeastBusy, StrategyFastest, StrategyHealthBased, StrategyRandom:
		return Strategy(name), nil
	case "":
		return StrategyHealthBased, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy: %q", name)
	}
}

// Selector 在候选实例快照上执行选择策略。
// 除轮询游标与随机源外不持有任何状态；候选的过滤
//（可用性、模型、健康分区）由调用方完成。
type Selector struct {
	strategy atomic.Value // Strategy
	cursor   atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector 创建选择器。
func NewSelector(strategy Strategy) *Selector {
	s := &Selector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	s.strategy.Store(strategy)
	return s
}

// Strategy 返回当前策略。
func (s *Selector) Strategy() Strategy {
	return s.strategy.Load().(Strategy)
}

// SetStrategy 切换策略。轮询游标刻意不重置，保证切换前后
// 的轮询序列连续。
func (s *Selector) SetStrategy(strategy Strategy) {
	s.strategy.Store(strategy)
}

// Pick 从候选快照中选出一个实例的下标；候选为空返回 -1。
func (s *Selector) Pick(candidates []InstanceStats) int {
	if len(candidates) == 0 {
		return -1
	}

	switch s.Strategy() {
	case StrategyRoundRobin:
		return s.roundRobin(len(candidates))

	case StrategyLeastBusy:
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].Active < candidates[best].Active {
				best = i
			}
		}
		return best

	case StrategyFastest:
		best := -1
		for i := range candidates {
			if candidates[i].Total == 0 {
				continue
			}
			if best == -1 || candidates[i].AverageLatency() < candidates[best].AverageLatency() {
				best = i
			}
		}
		if best == -1 {
			return s.roundRobin(len(candidates))
		}
		return best

	case StrategyRandom:
		s.rngMu.Lock()
		defer s.rngMu.Unlock()
		return s.rng.Intn(len(candidates))

	default: // StrategyHealthBased
		best := 0
		bestScore := candidates[0].HealthScore()
		for i := 1; i < len(candidates); i++ {
			if score := candidates[i].HealthScore(); score > bestScore {
				best = i
				bestScore = score
			}
		}
		return best
	}
}

func (s *Selector) roundRobin(n int) int {
	return int((s.cursor.Add(1) - 1) % uint64(n))
}
