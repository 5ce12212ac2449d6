package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/scrape/metrics"
)

// PoolOptions are applied to every instance the pool launches
type PoolOptions struct {
	Headless        bool
	ExecPath        string
	NoSandbox       bool
	MinFreeMemoryMB int
}

// Pool keeps at most one browser per language. Instances are launched on first
// use and live until CloseAll.
type Pool struct {
	launcher Launcher
	opts     PoolOptions
	metrics  *metrics.MetricsCollector
	logger   *zap.Logger

	availableMemory availableMemoryFunc

	// mu is held across launches so one language never gets two browsers
	mu        sync.Mutex
	instances map[string]Engine
	closed    bool
}

// NewPool creates an empty pool. metricsCollector may be nil.
func NewPool(launcher Launcher, opts PoolOptions, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Pool{
		launcher:        launcher,
		opts:            opts,
		metrics:         metricsCollector,
		logger:          logger,
		availableMemory: systemAvailableMemory,
		instances:       make(map[string]Engine),
	}, nil
}

// Acquire returns the browser for lang, launching it if needed. A failed launch
// is returned to the caller and leaves nothing registered.
func (p *Pool) Acquire(ctx context.Context, lang string) (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if engine, ok := p.instances[lang]; ok {
		return engine, nil
	}

	warnIfLowMemory(p.availableMemory, p.opts.MinFreeMemoryMB, lang, p.logger)

	p.logger.Info("Launching browser",
		zap.String("lang", lang),
		zap.Int("pool_size", len(p.instances)))

	start := time.Now()
	engine, err := p.launcher.Launch(ctx, LaunchOptions{
		Lang:      lang,
		Headless:  p.opts.Headless,
		ExecPath:  p.opts.ExecPath,
		NoSandbox: p.opts.NoSandbox,
	})
	p.metrics.RecordBrowserLaunch(err)
	if err != nil {
		p.logger.Error("Browser launch failed",
			zap.String("lang", lang),
			zap.Error(err))
		return nil, fmt.Errorf("launch browser for %s: %w", lang, err)
	}

	p.closeDefaultPages(ctx, engine, lang)

	p.instances[lang] = engine
	p.metrics.UpdateBrowserInstances(len(p.instances))

	p.logger.Info("Browser ready",
		zap.String("lang", lang),
		zap.Duration("startup", time.Since(start)),
		zap.Int("pool_size", len(p.instances)))

	return engine, nil
}

// closeDefaultPages closes the tabs a fresh browser opens on its own.
// Failures are logged; the instance stays usable.
func (p *Pool) closeDefaultPages(ctx context.Context, engine Engine, lang string) {
	pages, err := engine.Pages(ctx)
	if err != nil {
		p.logger.Warn("Failed to list default pages",
			zap.String("lang", lang),
			zap.Error(err))
		return
	}

	for _, page := range pages {
		if err := page.Close(ctx); err != nil {
			p.logger.Warn("Failed to close default page",
				zap.String("lang", lang),
				zap.Error(err))
		}
	}
}

// CloseAll closes every instance once. Later Acquire calls return ErrPoolClosed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.logger.Info("Closing browser pool", zap.Int("instances", len(p.instances)))

	for lang, engine := range p.instances {
		if err := engine.Close(); err != nil {
			p.logger.Error("Error closing browser",
				zap.String("lang", lang),
				zap.Error(err))
		}
		delete(p.instances, lang)
	}
	p.metrics.UpdateBrowserInstances(0)
}

// Languages returns the languages with a running browser, sorted
func (p *Pool) Languages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	langs := make([]string, 0, len(p.instances))
	for lang := range p.instances {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}
