package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_ResetAndCounters(t *testing.T) {
	s := NewRunState()
	assert.Equal(t, StatusIdle, s.Status())

	s.Reset(10)
	assert.Equal(t, StatusProcessing, s.Status())
	assert.NotEmpty(t, s.RunID())

	s.MarkProcessed()
	s.MarkProcessed()
	s.MarkSkipped()
	s.MarkFailed()

	snap := s.Progress()
	assert.Equal(t, int64(10), snap.Total)
	assert.Equal(t, int64(2), snap.Processed)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(4), snap.Done())
	assert.InDelta(t, 40.0, snap.Percent, 0.001)

	// 新一轮运行拿到新 ID 并清零计数
	prevID := s.RunID()
	s.Reset(3)
	assert.NotEqual(t, prevID, s.RunID())
	assert.Equal(t, int64(0), s.Progress().Done())
}

func TestRunState_RemainingUnknownUntilFirstItem(t *testing.T) {
	s := NewRunState()
	s.Reset(100)

	snap := s.Progress()
	assert.False(t, snap.RemainingKnown, "no completed items yet")

	s.MarkProcessed()
	time.Sleep(10 * time.Millisecond)
	snap = s.Progress()
	assert.True(t, snap.RemainingKnown)
	assert.Greater(t, snap.Remaining, time.Duration(0))
	assert.Greater(t, snap.ItemsPerSecond, 0.0)
}

func TestRunState_PauseExcludedFromElapsed(t *testing.T) {
	s := NewRunState()
	s.Reset(1)

	time.Sleep(20 * time.Millisecond)
	s.EnterPause()
	assert.Equal(t, StatusPaused, s.Status())

	// 暂停期间 elapsed 不前进
	before := s.Progress().Elapsed
	time.Sleep(50 * time.Millisecond)
	during := s.Progress().Elapsed
	assert.InDelta(t, before.Milliseconds(), during.Milliseconds(), 15,
		"elapsed must not advance while paused")

	s.ExitPause()
	assert.Equal(t, StatusProcessing, s.Status())
	time.Sleep(20 * time.Millisecond)

	after := s.Progress().Elapsed
	// 总 elapsed ≈ 两段运行时间，不含 50ms 暂停
	assert.Less(t, after, 70*time.Millisecond)
	assert.GreaterOrEqual(t, after, during)
}

func TestRunState_PauseTransitionsGuarded(t *testing.T) {
	s := NewRunState()

	// 空闲时暂停无效
	s.EnterPause()
	assert.Equal(t, StatusIdle, s.Status())

	s.Reset(1)
	s.EnterPause()
	s.EnterPause() // 重复暂停幂等
	assert.Equal(t, StatusPaused, s.Status())
	s.ExitPause()
	s.ExitPause() // 重复恢复幂等
	assert.Equal(t, StatusProcessing, s.Status())
}

// 停止请求把状态从 paused 推进到 stopping 之后，解除暂停仍要结算
// 暂停段，否则 elapsed 会一直被不断增长的暂停时长抵消。
func TestRunState_ExitPauseSettlesAfterStopRequest(t *testing.T) {
	s := NewRunState()
	s.Reset(1)

	s.EnterPause()
	time.Sleep(30 * time.Millisecond)
	s.SetStatus(StatusStopping)
	s.ExitPause()
	assert.Equal(t, StatusStopping, s.Status())

	first := s.Progress().Elapsed
	time.Sleep(40 * time.Millisecond)
	second := s.Progress().Elapsed

	// 暂停段已收口：elapsed 正常前进，而不是被持续冻结
	assert.InDelta(t, 40, (second - first).Milliseconds(), 15)
}

func TestRunState_LogDedupWithinWindow(t *testing.T) {
	s := NewRunState()
	s.Reset(1)

	s.AddLog("same message")
	s.AddLog("same message")
	s.AddLog("same message")
	s.AddLog("different message")

	logs := s.RecentLogs(0)
	// Reset 之后：1 条去重消息 + 1 条不同消息
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0], "same message")
	assert.Contains(t, logs[1], "different message")
}

func TestRunState_LogRingBounded(t *testing.T) {
	s := NewRunState()
	s.Reset(1)

	for i := 0; i < logRingLimit+100; i++ {
		s.AddLog("message %d", i)
	}

	logs := s.RecentLogs(0)
	assert.LessOrEqual(t, len(logs), logRingLimit)
	// 最旧的被丢弃，最新的保留
	assert.Contains(t, logs[len(logs)-1], fmt.Sprintf("message %d", logRingLimit+99))
}

func TestRunState_RecentLogsTail(t *testing.T) {
	s := NewRunState()
	s.Reset(1)
	for i := 0; i < 20; i++ {
		s.AddLog("line %d", i)
	}

	tail := s.RecentLogs(5)
	require.Len(t, tail, 5)
	assert.Contains(t, tail[4], "line 19")
	assert.Contains(t, tail[0], "line 15")
}

func TestRunState_ConcurrentAccess(t *testing.T) {
	s := NewRunState()
	s.Reset(1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.MarkProcessed()
				s.AddLog("worker %d item %d", n, j)
				_ = s.Progress()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(800), s.Progress().Processed)
}
