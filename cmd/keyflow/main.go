// =============================================================================
// KeyFlow 主入口
// =============================================================================
// 批量图片关键词分析工具，基于多实例 Ollama 推理后端
//
// 使用方法:
//
//	keyflow run <dir>                     # 分析目录中的图片
//	keyflow run --config config.yaml .   # 指定配置文件
//	keyflow probe                        # 探测后端实例与模型
//	keyflow version                      # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/keyflow/cache"
	"github.com/BaSui01/keyflow/config"
	"github.com/BaSui01/keyflow/internal/metrics"
	"github.com/BaSui01/keyflow/internal/telemetry"
	"github.com/BaSui01/keyflow/metadata"
	"github.com/BaSui01/keyflow/ollama"
	"github.com/BaSui01/keyflow/pipeline"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runBatch(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖼️ run 命令
// =============================================================================

func runBatch(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	force := fs.Bool("force", false, "Reprocess files even if cached or already keyworded")
	fs.Parse(args)

	dir := fs.Arg(0)
	if dir == "" {
		dir = "."
	}

	cfg := loadConfig(*configPath)
	if *force {
		cfg.Processing.Force = true
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting KeyFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("dir", dir),
	)
	for _, w := range cfg.Normalize() {
		logger.Warn("config value adjusted", zap.String("detail", w))
	}

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		SampleRate:   cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelProviders.Shutdown(ctx)
	}()

	collector := metrics.NewCollector("keyflow", prometheus.DefaultRegisterer, logger)
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	resultCache, err := cache.New(cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize result cache", zap.Error(err))
	}
	defer resultCache.Close()

	client := newClient(cfg.Ollama, logger, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Pool().ProbeAll(ctx)
	logger.Info("backend instances probed", zap.String("summary", client.Pool().Summary()))
	if len(client.Pool().Available()) == 0 {
		logger.Fatal("No backend instances available")
	}

	scheduler := pipeline.NewScheduler(pipeline.Options{
		Processing: cfg.Processing,
		Analyze: ollama.AnalyzeRequest{
			Model:        cfg.Ollama.Model,
			SystemPrompt: cfg.Ollama.SystemPrompt,
			UserPrompt:   cfg.Ollama.UserPrompt,
			Temperature:  float32(cfg.Ollama.Temperature),
			SkipChatAPI:  cfg.Ollama.SkipChatAPI,
		},
		Analyzer: client,
		Cache:    resultCache,
		Writer:   metadata.NewSidecarWriter(true, logger),
		Logger:   logger,
		Metrics:  collector,
		Stats:    client.Pool().Stats,
		Preload:  preloadFunc(cfg.Ollama, client.Pool()),
	})

	if cfg.Ollama.MonitorInterval > 0 {
		client.Pool().StartMonitor(ctx, cfg.Ollama.MonitorInterval, scheduler.IsProcessing)
	}
	if cfg.Ollama.AutoResetInterval > 0 {
		client.Pool().StartAutoReset(ctx, cfg.Ollama.AutoResetInterval)
	}

	// 第一次信号请求协作式停止，第二次强制退出
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, finishing in-flight items")
		scheduler.Stop()
		<-sigCh
		logger.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	done := make(chan struct{})
	go reportProgress(scheduler, done)

	runErr := scheduler.Run(ctx, dir)
	close(done)

	snap := scheduler.Progress()
	fmt.Printf("\nProcessed %d, skipped %d, failed %d of %d (%.1f%%) in %s\n",
		snap.Processed, snap.Skipped, snap.Failed, snap.Total, snap.Percent,
		snap.Elapsed.Round(time.Second))

	if runErr != nil {
		logger.Error("batch run failed", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("KeyFlow finished")
}

// reportProgress 周期性输出进度，直到运行结束。
func reportProgress(s *pipeline.Scheduler, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := s.Progress()
			if snap.Total == 0 {
				continue
			}
			remaining := "unknown"
			if snap.RemainingKnown {
				remaining = snap.Remaining.Round(time.Second).String()
			}
			fmt.Printf("\r[%s] %d/%d (%.1f%%) %.2f items/s, remaining %s    ",
				snap.Status, snap.Done(), snap.Total, snap.Percent, snap.ItemsPerSecond, remaining)
		}
	}
}

// preloadFunc 根据配置决定是否在运行开始时预拉取模型。
func preloadFunc(cfg config.OllamaConfig, pool *ollama.Pool) func(context.Context, string) bool {
	if !cfg.PullOnStart {
		return nil
	}
	return pool.PullModel
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

// =============================================================================
// 🔍 probe 命令
// =============================================================================

func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	pool, err := ollama.NewPool(cfg.Ollama.Endpoints, cfg.Ollama.MaxConcurrent, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid backend configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool.ProbeAll(ctx)

	available := pool.Available()
	fmt.Printf("Instances: %d configured, %d available\n", len(pool.Instances()), len(available))
	for _, s := range pool.Stats() {
		state := "DOWN"
		if s.Available {
			state = "UP"
		}
		fmt.Printf("  %-6s %s (%d models)\n", state, s.URL, len(s.Models))
	}

	if models := pool.ListModels(ctx); len(models) > 0 {
		fmt.Println("Models:")
		for _, m := range models {
			fmt.Printf("  %s\n", m)
		}
	}

	if len(available) == 0 {
		os.Exit(1)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("KeyFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`KeyFlow - Batch Image Keyword Analyzer

Usage:
  keyflow <command> [options]

Commands:
  run       Analyze all images in a directory
  probe     Probe backend instances and list models
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --metrics-addr <addr>  Serve Prometheus metrics (e.g. :9090)
  --force                Reprocess files even if cached or already keyworded

Examples:
  keyflow run ~/Pictures
  keyflow run --config /etc/keyflow/config.yaml --metrics-addr :9090 ~/Pictures
  keyflow probe --config /etc/keyflow/config.yaml
  keyflow version`)
}

// =============================================================================
// 🔧 初始化辅助
// =============================================================================

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg config.OllamaConfig, logger *zap.Logger, collector *metrics.Collector) *ollama.Client {
	strategy, err := ollama.ParseStrategy(cfg.Strategy)
	if err != nil {
		logger.Fatal("Invalid load balancing strategy", zap.Error(err))
	}
	client, err := ollama.NewClient(ollama.ClientConfig{
		Endpoints:      cfg.Endpoints,
		Strategy:       strategy,
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxRetries:     cfg.MaxRetries,
		RequestTimeout: cfg.RequestTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
		RetryBackoff:   cfg.RetryBackoff,
		RecoveryPause:  cfg.RecoveryPause,
	}, logger, collector)
	if err != nil {
		logger.Fatal("Failed to create inference client", zap.Error(err))
	}
	return client
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
