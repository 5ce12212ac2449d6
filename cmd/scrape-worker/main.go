package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/common/config"
	logutil "github.com/edgecomet/scrape-worker/internal/common/logger"
	"github.com/edgecomet/scrape-worker/internal/common/metricsserver"
	"github.com/edgecomet/scrape-worker/internal/common/redis"
	"github.com/edgecomet/scrape-worker/internal/scrape/browser"
	"github.com/edgecomet/scrape-worker/internal/scrape/metrics"
	"github.com/edgecomet/scrape-worker/internal/scrape/shutdown"
	"github.com/edgecomet/scrape-worker/internal/scrape/worker"
)

func main() {
	// Config file is optional; without it the worker runs on defaults plus REDIS_URL/WAIT_QUEUE/DONE_QUEUE
	configPath := flag.String("c", "", "Path to scrape worker configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadWorkerConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Uses INFO level during startup if the configured level is higher
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger := dynamicLogger.Logger.With(zap.String("worker", cfg.Worker.ID))

	logger.Info("Scrape worker starting",
		zap.String("wait_queue", cfg.Queue.Wait),
		zap.String("done_queue", cfg.Queue.Done),
		zap.String("default_lang", cfg.Browser.DefaultLang),
		zap.Bool("headless", cfg.Browser.IsHeadless()))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}

	readyCtx, readyCancel := context.WithCancel(context.Background())
	if err := redisClient.WaitReady(readyCtx, time.Duration(cfg.Redis.ReadyTimeout)); err != nil {
		readyCancel()
		logger.Fatal("Redis did not become ready", zap.Error(err))
	}
	readyCancel()

	var metricsCollector *metrics.MetricsCollector
	if cfg.Metrics.Enabled {
		metricsCollector = metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)
	}

	pool, err := browser.NewPool(browser.NewChromeLauncher(logger), browser.PoolOptions{
		Headless:        cfg.Browser.IsHeadless(),
		ExecPath:        cfg.Browser.ExecPath,
		NoSandbox:       cfg.Browser.NoSandbox,
		MinFreeMemoryMB: cfg.Browser.MinFreeMemoryMB,
	}, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create browser pool", zap.Error(err))
	}

	fetcher, err := worker.NewFetcher(pool, worker.FetcherConfig{
		NavigationTimeout: time.Duration(cfg.Browser.NavigationTimeout),
		CleanupTimeout:    time.Duration(cfg.Browser.CleanupTimeout),
	}, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create fetcher", zap.Error(err))
	}

	processor, err := worker.NewProcessor(redisClient, fetcher, worker.ProcessorConfig{
		WaitQueue:   cfg.Queue.Wait,
		DoneQueue:   cfg.Queue.Done,
		PopTimeout:  time.Duration(cfg.Queue.PopTimeout),
		RetryDelay:  time.Duration(cfg.Queue.RetryDelay),
		DefaultLang: cfg.Browser.DefaultLang,
	}, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create processor", zap.Error(err))
	}

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, func() (bool, interface{}) {
		state := processor.State()
		healthy := state == worker.StateReady || state == worker.StateProcessing
		return healthy, map[string]string{"worker": cfg.Worker.ID, "state": state.String()}
	}, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	coordinator, err := shutdown.NewCoordinator(shutdown.Config{
		Cancel:         cancel,
		LoopDone:       loopDone,
		Queue:          redisClient,
		Cleanups:       fetcher,
		Engines:        pool,
		CleanupWait:    time.Duration(cfg.Shutdown.CleanupWait),
		Hooks:          []func(context.Context) error{metricsServer.Shutdown},
		BeforeShutdown: dynamicLogger.EnsureInfoLevelForShutdown,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Failed to create shutdown coordinator", zap.Error(err))
	}
	coordinator.Notify()

	go func() {
		defer close(loopDone)
		processor.Run(ctx)
	}()

	logger.Info("Scrape worker ready")

	// Switch to configured log level after startup is complete
	dynamicLogger.SwitchToConfiguredLevel()

	os.Exit(coordinator.Wait())
}
