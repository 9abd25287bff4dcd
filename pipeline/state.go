package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Status 是一次批处理运行的状态。
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusStopping   Status = "stopping"
)

const (
	// 日志环超过上限后裁剪到保留量
	logRingLimit = 1000
	logRingKeep  = 500
	// 相同消息在该窗口内只记录一次
	logDedupWindow = 2 * time.Second
)

// RunState 聚合一次运行的计数器、时间戳与日志环。
// worker 并发写入计数器，进度轮询方并发读取；计数器用原子操作，
// 其余字段在 RunState 自身的锁下变更，绝不跨实例持锁。
type RunState struct {
	runID string

	total     atomic.Int64
	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	status      Status
	startTime   time.Time
	pausedTotal time.Duration
	pauseStart  time.Time

	logs        []string
	lastLogMsg  string
	lastLogTime time.Time
	logLimiter  *rate.Limiter
}

// NewRunState 创建空闲状态的 RunState。
func NewRunState() *RunState {
	return &RunState{
		status: StatusIdle,
		// 日志限速只防异常洪水，正常批处理远达不到该速率
		logLimiter: rate.NewLimiter(rate.Every(time.Millisecond), 2048),
	}
}

// Reset 在新一次运行开始时重置全部状态并分配新的运行 ID。
func (s *RunState) Reset(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = uuid.NewString()
	s.total.Store(int64(total))
	s.processed.Store(0)
	s.skipped.Store(0)
	s.failed.Store(0)
	s.status = StatusProcessing
	s.startTime = time.Now()
	s.pausedTotal = 0
	s.pauseStart = time.Time{}
	s.logs = nil
	s.lastLogMsg = ""
	s.lastLogTime = time.Time{}
}

// RunID 返回当前运行的标识。
func (s *RunState) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Status 返回当前状态。
func (s *RunState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus 设置当前状态。
func (s *RunState) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// MarkProcessed 记录一个成功条目。
func (s *RunState) MarkProcessed() { s.processed.Add(1) }

// MarkSkipped 记录一个跳过条目。
func (s *RunState) MarkSkipped() { s.skipped.Add(1) }

// MarkFailed 记录一个失败条目。
func (s *RunState) MarkFailed() { s.failed.Add(1) }

// EnterPause 记录暂停开始时刻。
func (s *RunState) EnterPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusProcessing {
		return
	}
	s.status = StatusPaused
	s.pauseStart = time.Now()
}

// ExitPause 累加暂停时长并恢复运行状态。未结算的暂停段无条件结算：
// 停止请求会先把状态置为 stopping 再解除暂停，此时计时同样要收口。
func (s *RunState) ExitPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pauseStart.IsZero() {
		s.pausedTotal += time.Since(s.pauseStart)
		s.pauseStart = time.Time{}
	}
	if s.status == StatusPaused {
		s.status = StatusProcessing
	}
}

// AddLog 追加一条运行日志。相同消息在去重窗口内只保留一条；
// 环超过上限时丢弃最旧的一半。
func (s *RunState) AddLog(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if msg == s.lastLogMsg && now.Sub(s.lastLogTime) < logDedupWindow {
		return
	}
	if !s.logLimiter.Allow() {
		return
	}
	s.lastLogMsg = msg
	s.lastLogTime = now

	s.logs = append(s.logs, now.Format("15:04:05")+" "+msg)
	if len(s.logs) > logRingLimit {
		s.logs = append(s.logs[:0:0], s.logs[len(s.logs)-logRingKeep:]...)
	}
}

// RecentLogs 返回最近的 n 条日志（n<=0 返回全部）。
func (s *RunState) RecentLogs(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.logs) {
		out := make([]string, len(s.logs))
		copy(out, s.logs)
		return out
	}
	out := make([]string, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// Snapshot 是进度轮询方看到的一致性快照。
type Snapshot struct {
	RunID          string
	Status         Status
	Total          int64
	Processed      int64
	Skipped        int64
	Failed         int64
	Percent        float64
	Elapsed        time.Duration
	Remaining      time.Duration
	RemainingKnown bool
	ItemsPerSecond float64
	RecentLogs     []string
}

// Done 返回已完结条目数。
func (p Snapshot) Done() int64 {
	return p.Processed + p.Skipped + p.Failed
}

// Progress 计算当前进度。耗时不含累计暂停时长；
// 没有任何完结条目时剩余时间为未知。
func (s *RunState) Progress() Snapshot {
	s.mu.Lock()
	status := s.status
	runID := s.runID
	start := s.startTime
	paused := s.pausedTotal
	if !s.pauseStart.IsZero() {
		paused += time.Since(s.pauseStart)
	}
	logs := make([]string, 0, 10)
	if n := len(s.logs); n > 0 {
		from := n - 10
		if from < 0 {
			from = 0
		}
		logs = append(logs, s.logs[from:]...)
	}
	s.mu.Unlock()

	snap := Snapshot{
		RunID:      runID,
		Status:     status,
		Total:      s.total.Load(),
		Processed:  s.processed.Load(),
		Skipped:    s.skipped.Load(),
		Failed:     s.failed.Load(),
		RecentLogs: logs,
	}

	if !start.IsZero() {
		snap.Elapsed = time.Since(start) - paused
		if snap.Elapsed < 0 {
			snap.Elapsed = 0
		}
	}
	if snap.Total > 0 {
		snap.Percent = float64(snap.Done()) / float64(snap.Total) * 100
	}
	if done := snap.Done(); done > 0 && snap.Elapsed > 0 {
		snap.ItemsPerSecond = float64(done) / snap.Elapsed.Seconds()
		remaining := snap.Total - done
		if remaining > 0 {
			snap.Remaining = time.Duration(float64(snap.Elapsed) / float64(done) * float64(remaining))
		}
		snap.RemainingKnown = true
	}
	return snap
}
