package ollama

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestInstance_AcquireRelease(t *testing.T) {
	inst := NewInstance("http://localhost:11434", 2)

	ctx := context.Background()
	require.NoError(t, inst.Acquire(ctx))
	require.NoError(t, inst.Acquire(ctx))
	assert.Equal(t, 2, inst.Snapshot().Active)

	// 门控已满：有界等待超时
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, inst.Acquire(timeoutCtx))

	inst.Release()
	assert.Equal(t, 1, inst.Snapshot().Active)
	require.NoError(t, inst.Acquire(ctx))

	inst.Release()
	inst.Release()
	assert.Equal(t, 0, inst.Snapshot().Active)
}

func TestInstance_GateNeverExceedsLimit(t *testing.T) {
	const limit = 3
	inst := NewInstance("http://localhost:11434", limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.Acquire(context.Background()); err != nil {
				return
			}
			mu.Lock()
			if a := inst.Snapshot().Active; a > peak {
				peak = a
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			inst.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, limit,
		"active requests must never exceed the admission gate limit")
	assert.Equal(t, 0, inst.Snapshot().Active)
}

func TestInstance_UpdateStats(t *testing.T) {
	inst := NewInstance("http://localhost:11434", 3)

	inst.UpdateStats(true, 2*time.Second)
	inst.UpdateStats(true, 4*time.Second)
	inst.UpdateStats(false, 6*time.Second)

	s := inst.Snapshot()
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, 6*time.Second, s.LastLatency)
	assert.Equal(t, 4*time.Second, s.AverageLatency())
	assert.InDelta(t, 1.0/3.0, s.FailureRate(), 0.001)
	assert.InDelta(t, 200.0/3.0, s.SuccessRate(), 0.001)

	inst.ResetStats()
	s = inst.Snapshot()
	assert.Equal(t, int64(0), s.Total)
	assert.Equal(t, time.Duration(0), s.LastLatency)
	assert.Equal(t, 0.0, s.FailureRate())
	assert.Equal(t, 100.0, s.SuccessRate())
}

func TestInstance_SetAvailabilityKeepsModels(t *testing.T) {
	inst := NewInstance("http://localhost:11434", 1)

	inst.SetAvailability(true, []string{"llava:13b"})
	assert.Equal(t, []string{"llava:13b"}, inst.Snapshot().Models)

	// nil 模型列表保留旧值
	inst.SetAvailability(false, nil)
	s := inst.Snapshot()
	assert.False(t, s.Available)
	assert.Equal(t, []string{"llava:13b"}, s.Models)
}

func TestInstanceStats_Serves(t *testing.T) {
	s := InstanceStats{Models: []string{"llava:13b", "qwen2-vl"}}
	assert.True(t, s.Serves("llava:13b"))
	assert.False(t, s.Serves("mistral"))

	// 空列表视为"可能支持"
	assert.True(t, InstanceStats{}.Serves("anything"))
}

func TestInstanceStats_HealthScore(t *testing.T) {
	// 无历史、无负载：满分
	s := InstanceStats{Available: true, Limit: 3}
	assert.Equal(t, 100.0, s.HealthScore())

	// 不可用恒为 0
	s.Available = false
	assert.Equal(t, 0.0, s.HealthScore())

	// 满负载扣 40
	s = InstanceStats{Available: true, Limit: 3, Active: 3}
	assert.Equal(t, 60.0, s.HealthScore())

	// 平均延迟 10s：扣 10/2 = 5
	s = InstanceStats{Available: true, Limit: 3, Total: 2, TotalLatency: 20 * time.Second}
	assert.Equal(t, 95.0, s.HealthScore())

	// 延迟惩罚封顶 30：平均 100s 也只扣 30
	s = InstanceStats{Available: true, Limit: 3, Total: 1, TotalLatency: 100 * time.Second}
	assert.Equal(t, 70.0, s.HealthScore())

	// 全部失败扣 30
	s = InstanceStats{Available: true, Limit: 3, Total: 4, Failed: 4}
	assert.Equal(t, 70.0, s.HealthScore())

	// 组合惩罚且不低于 0
	s = InstanceStats{
		Available: true, Limit: 1, Active: 1,
		Total: 10, Failed: 10, TotalLatency: 1000 * time.Second,
	}
	assert.Equal(t, 0.0, s.HealthScore())
}

// 健康评分单调性：负载、延迟、失败率任一变差，评分不升。
func TestInstanceStats_HealthScoreMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 8).Draw(t, "limit")
		active := rapid.IntRange(0, limit).Draw(t, "active")
		total := rapid.Int64Range(0, 1000).Draw(t, "total")
		failed := rapid.Int64Range(0, total).Draw(t, "failed")
		latencyMs := rapid.Int64Range(0, 120_000).Draw(t, "latency_ms")

		base := InstanceStats{
			Available:    true,
			Limit:        limit,
			Active:       active,
			Total:        total,
			Failed:       failed,
			TotalLatency: time.Duration(latencyMs) * time.Millisecond * time.Duration(max64(total, 1)),
		}
		score := base.HealthScore()
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)

		// 更多活跃请求不会让评分变高
		if active < limit {
			busier := base
			busier.Active++
			assert.LessOrEqual(t, busier.HealthScore(), score)
		}

		// 更多失败不会让评分变高
		if total > 0 && failed < total {
			worse := base
			worse.Failed++
			assert.LessOrEqual(t, worse.HealthScore(), score)
		}
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func TestInstanceStats_IsOverloaded(t *testing.T) {
	cases := []struct {
		name string
		s    InstanceStats
		want bool
	}{
		{"idle", InstanceStats{Limit: 3}, false},
		{"at 80% capacity", InstanceStats{Limit: 5, Active: 4}, true},
		{"below 80% capacity", InstanceStats{Limit: 5, Active: 3}, false},
		{"slow last response", InstanceStats{Limit: 3, Total: 6, LastLatency: 11 * time.Second}, true},
		{"slow but too few samples", InstanceStats{Limit: 3, Total: 5, LastLatency: 11 * time.Second}, false},
		{"high failure rate", InstanceStats{Limit: 3, Total: 10, Failed: 4}, true},
		{"failure rate at bound", InstanceStats{Limit: 3, Total: 10, Failed: 3}, false},
		{"failures but too few samples", InstanceStats{Limit: 3, Total: 5, Failed: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.s.IsOverloaded())
		})
	}
}
