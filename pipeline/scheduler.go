package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/cache"
	"github.com/BaSui01/keyflow/config"
	"github.com/BaSui01/keyflow/internal/metrics"
	"github.com/BaSui01/keyflow/internal/pool"
	"github.com/BaSui01/keyflow/metadata"
	"github.com/BaSui01/keyflow/ollama"
	"github.com/BaSui01/keyflow/types"
)

// 自适应参数。
const (
	pauseGrowthFactor  = 1.5
	pauseDecayFactor   = 0.8
	cpuSampleInterval  = 500 * time.Millisecond
	statsSnapshotEvery = 5
)

// imageExtensions 是可处理文件的扩展名白名单（含常见 RAW 格式）。
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".tiff": {}, ".tif": {}, ".heic": {}, ".heif": {},
	".cr2": {}, ".cr3": {}, ".nef": {}, ".nrw": {}, ".arw": {}, ".srf": {},
	".sr2": {}, ".raf": {}, ".orf": {}, ".rw2": {}, ".pef": {}, ".dng": {},
	".raw": {}, ".rwl": {}, ".iiq": {}, ".3fr": {}, ".x3f": {},
}

// Analyzer 是调度器对推理客户端的最小依赖。
type Analyzer interface {
	AnalyzeImage(ctx context.Context, req ollama.AnalyzeRequest) (*types.KeywordResult, error)
}

// Options 配置批处理调度器。
type Options struct {
	Processing config.ProcessingConfig
	// Analyze 是每个条目的请求模板；ImagePath 按条目填充。
	Analyze  ollama.AnalyzeRequest
	Analyzer Analyzer
	Cache    cache.ResultCache
	Writer   metadata.Writer
	Logger   *zap.Logger
	Metrics  *metrics.Collector

	// Stats 可选：每 N 批记录一次实例统计快照。
	Stats func() []ollama.InstanceStats
	// Preload 可选：运行开始时预拉取模型；失败仅告警。
	Preload func(ctx context.Context, model string) bool
	// CPUPercent 可选：注入系统负载采样器（测试用）。
	CPUPercent func(interval time.Duration) (float64, error)
}

// Scheduler 以自适应批次驱动目录中的图片通过推理客户端。
// 控制循环（批大小、暂停）运行在调用 Run 的 goroutine 上，
// 条目由有界 worker 池并发处理。
type Scheduler struct {
	opts  Options
	state *RunState

	ctrlMu  sync.Mutex
	running bool

	stopFlag atomic.Bool

	gateMu   sync.Mutex
	resumeCh chan struct{} // 非 nil 表示已暂停；关闭即恢复

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	cpuPercent func(interval time.Duration) (float64, error)
}

// NewScheduler 创建调度器。
func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("component", "scheduler"))
	s := &Scheduler{
		opts:       opts,
		state:      NewRunState(),
		inflight:   make(map[string]struct{}),
		cpuPercent: opts.CPUPercent,
	}
	if s.cpuPercent == nil {
		s.cpuPercent = systemCPUPercent
	}
	return s
}

// systemCPUPercent 采样整机 CPU 使用率。
func systemCPUPercent(interval time.Duration) (float64, error) {
	vals, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

// Start 异步启动一次运行。仅在空闲时有效；正在运行时返回 false。
func (s *Scheduler) Start(ctx context.Context, dir string) bool {
	s.ctrlMu.Lock()
	if s.running {
		s.ctrlMu.Unlock()
		s.opts.Logger.Warn("run already active, start ignored", zap.String("dir", dir))
		return false
	}
	s.running = true
	s.ctrlMu.Unlock()

	go func() {
		defer s.clearRunning()
		s.run(ctx, dir)
	}()
	return true
}

// Run 同步执行一次运行。正在运行时返回结构化错误。
func (s *Scheduler) Run(ctx context.Context, dir string) error {
	s.ctrlMu.Lock()
	if s.running {
		s.ctrlMu.Unlock()
		return types.NewError(types.ErrRunActive, "a batch run is already active")
	}
	s.running = true
	s.ctrlMu.Unlock()
	defer s.clearRunning()

	return s.run(ctx, dir)
}

func (s *Scheduler) clearRunning() {
	s.ctrlMu.Lock()
	s.running = false
	s.ctrlMu.Unlock()
}

// IsProcessing 返回是否有运行在进行中。
func (s *Scheduler) IsProcessing() bool {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.running
}

// Pause 暂停新条目的领取；在途调用不受影响。
func (s *Scheduler) Pause() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.resumeCh != nil {
		return
	}
	s.resumeCh = make(chan struct{})
	s.state.EnterPause()
	s.opts.Logger.Info("processing paused")
}

// Resume 恢复条目领取。
func (s *Scheduler) Resume() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.resumeCh == nil {
		return
	}
	close(s.resumeCh)
	s.resumeCh = nil
	s.state.ExitPause()
	s.opts.Logger.Info("processing resumed")
}

// IsPaused 返回是否处于暂停状态。
func (s *Scheduler) IsPaused() bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.resumeCh != nil
}

// Stop 协作式停止：worker 在开始下一个条目前检查停止标志，
// 在途调用跑到自身超时为止。
func (s *Scheduler) Stop() {
	if s.stopFlag.Swap(true) {
		return
	}
	s.state.SetStatus(StatusStopping)
	s.opts.Logger.Info("stop requested")
	// 被暂停的 worker 也要能观察到停止
	s.Resume()
}

// Progress 返回当前进度快照，随时可调用且不阻塞 worker。
func (s *Scheduler) Progress() Snapshot {
	return s.state.Progress()
}

// waitIfPaused 在暂停期间阻塞，直到恢复或 ctx 取消。
func (s *Scheduler) waitIfPaused(ctx context.Context) error {
	for {
		s.gateMu.Lock()
		ch := s.resumeCh
		s.gateMu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claim 原子地把路径加入在途集合；已在途返回 false。
func (s *Scheduler) claim(path string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[path]; ok {
		return false
	}
	s.inflight[path] = struct{}{}
	return true
}

func (s *Scheduler) release(path string) {
	s.inflightMu.Lock()
	delete(s.inflight, path)
	s.inflightMu.Unlock()
}

func (s *Scheduler) clearInflight() {
	s.inflightMu.Lock()
	s.inflight = make(map[string]struct{})
	s.inflightMu.Unlock()
}

// run 是一次完整运行的控制循环。
func (s *Scheduler) run(ctx context.Context, dir string) error {
	s.stopFlag.Store(false)

	files, err := s.enumerate(dir)
	if err != nil {
		s.opts.Logger.Error("directory enumeration failed", zap.String("dir", dir), zap.Error(err))
		return err
	}

	s.state.Reset(len(files))
	s.state.AddLog("run started: %d files under %s", len(files), dir)
	s.opts.Logger.Info("run started",
		zap.String("run_id", s.state.RunID()),
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("batch_size", s.opts.Processing.BatchSize),
		zap.Int("workers", s.opts.Processing.Workers))

	if s.opts.Preload != nil && s.opts.Analyze.Model != "" {
		if !s.opts.Preload(ctx, s.opts.Analyze.Model) {
			s.opts.Logger.Warn("model preload failed, continuing anyway",
				zap.String("model", s.opts.Analyze.Model))
		}
	}

	pending := s.partition(ctx, files)

	start := time.Now()
	stopped := s.processBatches(ctx, pending)

	// 收尾：释放暂停门、清空在途集合、回到空闲
	s.Resume()
	s.clearInflight()

	snap := s.state.Progress()
	outcome := "completed"
	if stopped {
		outcome = "stopped"
	}
	s.state.AddLog("run %s: %d processed, %d skipped, %d failed", outcome,
		snap.Processed, snap.Skipped, snap.Failed)

	avgLatency := time.Duration(0)
	if done := snap.Processed + snap.Failed; done > 0 {
		avgLatency = time.Since(start) / time.Duration(done)
	}
	s.opts.Logger.Info("run finished",
		zap.String("run_id", snap.RunID),
		zap.String("outcome", outcome),
		zap.Int64("processed", snap.Processed),
		zap.Int64("skipped", snap.Skipped),
		zap.Int64("failed", snap.Failed),
		zap.Duration("elapsed", snap.Elapsed),
		zap.Duration("avg_item_latency", avgLatency),
		zap.Float64("items_per_second", snap.ItemsPerSecond))

	s.state.SetStatus(StatusIdle)
	return nil
}

// enumerate 按扩展名白名单收集候选文件，按路径去重。
func (s *Scheduler) enumerate(dir string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !s.opts.Processing.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := imageExtensions[ext]; !ok {
			return nil
		}
		if _, dup := seen[path]; dup {
			return nil
		}
		seen[path] = struct{}{}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// partition 把缓存命中与已有关键词的文件立即计为跳过，
// 返回待处理列表。已标注的 sidecar 回填进缓存。
func (s *Scheduler) partition(ctx context.Context, files []string) []string {
	force := s.opts.Processing.Force
	backend := s.opts.Cache.Backend()

	var pending []string
	for _, path := range files {
		if s.opts.Cache.IsCached(ctx, path, force) {
			s.state.MarkSkipped()
			s.opts.Metrics.ObserveBatchItem("skipped")
			s.opts.Metrics.IncCacheHit(backend)
			continue
		}
		s.opts.Metrics.IncCacheMiss(backend)

		if !force && metadata.HasKeywords(metadata.SidecarPath(path)) {
			s.state.MarkSkipped()
			s.state.AddLog("sidecar already has keywords, skipped: %s", filepath.Base(path))
			s.opts.Metrics.ObserveBatchItem("skipped")
			if err := s.opts.Cache.MarkProcessed(ctx, path); err != nil {
				s.opts.Logger.Warn("cache backfill failed", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		pending = append(pending, path)
	}

	s.opts.Logger.Info("work list partitioned",
		zap.Int("pending", len(pending)),
		zap.Int("skipped", len(files)-len(pending)))
	return pending
}

// processBatches 执行自适应批次循环，返回是否因停止请求退出。
func (s *Scheduler) processBatches(ctx context.Context, pending []string) bool {
	workers := pool.NewWorkerPool(pool.WorkerPoolConfig{
		Workers:   s.opts.Processing.Workers,
		QueueSize: s.opts.Processing.Workers,
		PanicHandler: func(r any) {
			s.opts.Logger.Error("worker panic", zap.Any("panic", r))
		},
	})
	defer workers.Close()

	pause := s.opts.Processing.PauseBetweenBatches
	consecutiveFailures := 0
	batchCount := 0
	idx := 0

	for idx < len(pending) {
		if s.stopFlag.Load() || ctx.Err() != nil {
			return true
		}

		// 系统负载阀：不消耗条目，独立于按批自适应
		if pct, err := s.cpuPercent(cpuSampleInterval); err == nil && pct > s.opts.Processing.CPUThreshold {
			s.opts.Logger.Warn("system under CPU pressure, deferring batch",
				zap.Float64("cpu_percent", pct),
				zap.Float64("threshold", s.opts.Processing.CPUThreshold))
			s.state.AddLog("high CPU load (%.0f%%), waiting", pct)
			s.opts.Metrics.IncCPUThrottle()
			if !sleepInterruptible(ctx, s.opts.Processing.CPUSleep, &s.stopFlag) {
				return true
			}
			continue
		}

		batchSize := nextBatchSize(s.opts.Processing.BatchSize, consecutiveFailures)
		end := idx + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[idx:end]
		idx = end
		s.opts.Metrics.SetBatchSize(batchSize)

		var wg sync.WaitGroup
		var batchFailed atomic.Bool
		for _, path := range batch {
			if s.stopFlag.Load() {
				break
			}
			if !s.claim(path) {
				continue
			}
			path := path
			wg.Add(1)
			err := workers.Submit(ctx, func(ctx context.Context) error {
				return s.processItem(ctx, path)
			}, func(err error) {
				if err != nil {
					batchFailed.Store(true)
				}
				s.release(path)
				wg.Done()
			})
			if err != nil {
				s.release(path)
				wg.Done()
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break
				}
			}
		}
		wg.Wait()
		batchCount++

		if batchFailed.Load() {
			consecutiveFailures++
			pause = nextPause(pause, true, s.opts.Processing.PauseBetweenBatches, s.opts.Processing.MaxPause)
			s.opts.Logger.Warn("batch had failures, throttling",
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Duration("pause", pause))
		} else {
			if consecutiveFailures > 0 {
				consecutiveFailures--
			}
			pause = nextPause(pause, false, s.opts.Processing.PauseBetweenBatches, s.opts.Processing.MaxPause)
		}
		s.opts.Metrics.SetAdaptivePause(pause)

		if s.opts.Stats != nil && batchCount%statsSnapshotEvery == 0 {
			for _, st := range s.opts.Stats() {
				s.opts.Logger.Info("instance statistics",
					zap.String("instance", st.URL),
					zap.Bool("available", st.Available),
					zap.Int("active", st.Active),
					zap.Int64("total", st.Total),
					zap.Int64("failed", st.Failed),
					zap.Duration("avg_latency", st.AverageLatency()),
					zap.Float64("health_score", st.HealthScore()))
			}
		}

		if idx < len(pending) {
			if !sleepInterruptible(ctx, pause, &s.stopFlag) {
				return true
			}
		}
	}
	return s.stopFlag.Load()
}

// processItem 处理单个文件。取消不计入任何计数；失败返回非 nil
// 以驱动按批自适应。
func (s *Scheduler) processItem(ctx context.Context, path string) error {
	if err := s.waitIfPaused(ctx); err != nil {
		return nil
	}
	if s.stopFlag.Load() {
		return nil
	}

	// 先标记再调用：崩溃后重启宁可漏标也不重复分析同一文件
	if err := s.opts.Cache.MarkProcessed(ctx, path); err != nil {
		s.opts.Logger.Warn("cache mark failed", zap.String("path", path), zap.Error(err))
	}

	req := s.opts.Analyze
	req.ImagePath = path

	start := time.Now()
	result, err := s.opts.Analyzer.AnalyzeImage(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		s.state.MarkFailed()
		s.state.AddLog("failed: %s (%v)", filepath.Base(path), err)
		s.opts.Metrics.ObserveBatchItem("failed")
		s.opts.Logger.Error("item failed",
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))
		return err
	}

	if s.opts.Writer != nil {
		if werr := s.opts.Writer.Write(path, result); werr != nil {
			// 结果已拿到，元数据落盘失败只告警不计失败
			s.opts.Logger.Warn("metadata write failed", zap.String("path", path), zap.Error(werr))
		}
	}

	s.state.MarkProcessed()
	s.state.AddLog("processed: %s", filepath.Base(path))
	s.opts.Metrics.ObserveBatchItem("processed")
	s.opts.Logger.Debug("item processed",
		zap.String("path", path),
		zap.Duration("latency", time.Since(start)),
		zap.Bool("parsed", result.IsParsed()))
	return nil
}

// nextBatchSize 按连续失败次数收缩批大小，至少为 1。
func nextBatchSize(configured, consecutiveFailures int) int {
	size := configured - consecutiveFailures
	if size < 1 {
		return 1
	}
	return size
}

// nextPause 计算下一次批间暂停：失败 ×1.5 封顶，成功 ×0.8 不低于下限。
func nextPause(prev time.Duration, failed bool, floor, max time.Duration) time.Duration {
	if failed {
		next := time.Duration(float64(prev) * pauseGrowthFactor)
		if next > max {
			return max
		}
		return next
	}
	next := time.Duration(float64(prev) * pauseDecayFactor)
	if next < floor {
		return floor
	}
	return next
}

// sleepInterruptible 等待 d，期间响应 ctx 取消与停止标志；
// 返回 false 表示应当终止循环。
func sleepInterruptible(ctx context.Context, d time.Duration, stop *atomic.Bool) bool {
	if d <= 0 {
		return !stop.Load() && ctx.Err() == nil
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !stop.Load()
		case <-tick.C:
			if stop.Load() {
				return false
			}
		}
	}
}
