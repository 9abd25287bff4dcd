package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有记录方法对 nil 接收者安全，
// 未启用指标时可直接传 nil。
type Collector struct {
	// 推理指标
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	gateTimeouts      *prometheus.CounterVec
	noCapacityTotal   prometheus.Counter

	// 批处理指标
	batchItemsTotal  *prometheus.CounterVec
	batchSize        prometheus.Gauge
	adaptivePause    prometheus.Gauge
	cpuThrottleTotal prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并在给定 Registerer 上注册全部指标。
// 传入独立的 Registry 可避免测试间的重复注册冲突。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 推理指标
	c.inferenceTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Total number of inference attempts",
		},
		[]string{"instance", "model", "status"},
	)

	c.inferenceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference attempt duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"instance", "model"},
	)

	c.gateTimeouts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_gate_timeouts_total",
			Help:      "Total number of admission gate acquire timeouts",
		},
		[]string{"instance"},
	)

	c.noCapacityTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_capacity_total",
			Help:      "Total number of calls aborted because no instance was available",
		},
	)

	// 批处理指标
	c.batchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items by outcome",
		},
		[]string{"outcome"}, // processed, skipped, failed
	)

	c.batchSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size_current",
			Help:      "Current adaptive batch size",
		},
	)

	c.adaptivePause = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_pause_seconds",
			Help:      "Current adaptive inter-batch pause in seconds",
		},
	)

	c.cpuThrottleTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cpu_throttle_total",
			Help:      "Total number of CPU pressure throttle pauses",
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		},
		[]string{"backend"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		},
		[]string{"backend"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🤖 推理指标记录
// =============================================================================

// ObserveInference 记录一次推理尝试及其耗时。
func (c *Collector) ObserveInference(instance, model string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.inferenceTotal.WithLabelValues(instance, model, status).Inc()
	c.inferenceDuration.WithLabelValues(instance, model).Observe(duration.Seconds())
}

// IncGateTimeout 记录一次准入门控获取超时。
func (c *Collector) IncGateTimeout(instance string) {
	if c == nil {
		return
	}
	c.gateTimeouts.WithLabelValues(instance).Inc()
}

// IncNoCapacity 记录一次因无可用实例而终止的调用。
func (c *Collector) IncNoCapacity() {
	if c == nil {
		return
	}
	c.noCapacityTotal.Inc()
}

// =============================================================================
// 📦 批处理指标记录
// =============================================================================

// ObserveBatchItem 按结果记录一个批处理条目。
func (c *Collector) ObserveBatchItem(outcome string) {
	if c == nil {
		return
	}
	c.batchItemsTotal.WithLabelValues(outcome).Inc()
}

// SetBatchSize 记录当前自适应批大小。
func (c *Collector) SetBatchSize(size int) {
	if c == nil {
		return
	}
	c.batchSize.Set(float64(size))
}

// SetAdaptivePause 记录当前批间暂停时长。
func (c *Collector) SetAdaptivePause(pause time.Duration) {
	if c == nil {
		return
	}
	c.adaptivePause.Set(pause.Seconds())
}

// IncCPUThrottle 记录一次 CPU 压力节流。
func (c *Collector) IncCPUThrottle() {
	if c == nil {
		return
	}
	c.cpuThrottleTotal.Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// IncCacheHit 记录缓存命中。
func (c *Collector) IncCacheHit(backend string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(backend).Inc()
}

// IncCacheMiss 记录缓存未命中。
func (c *Collector) IncCacheMiss(backend string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(backend).Inc()
}
