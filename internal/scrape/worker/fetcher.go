package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/scrape/browser"
	"github.com/edgecomet/scrape-worker/internal/scrape/metrics"
)

// EnginePool hands out the browser for a language
type EnginePool interface {
	Acquire(ctx context.Context, lang string) (browser.Engine, error)
}

// FetcherConfig bounds a single fetch and its cleanup
type FetcherConfig struct {
	NavigationTimeout time.Duration // 0 leaves navigation unbounded
	CleanupTimeout    time.Duration
}

// Fetcher renders one URL in a fresh tab of the language's browser
type Fetcher struct {
	pool    EnginePool
	cfg     FetcherConfig
	metrics *metrics.MetricsCollector
	logger  *zap.Logger

	cleanups sync.WaitGroup
}

func NewFetcher(pool EnginePool, cfg FetcherConfig, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) (*Fetcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("engine pool is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.CleanupTimeout <= 0 {
		return nil, fmt.Errorf("cleanup timeout must be positive")
	}

	return &Fetcher{
		pool:    pool,
		cfg:     cfg,
		metrics: metricsCollector,
		logger:  logger,
	}, nil
}

// Fetch returns the rendered HTML of url. The tab is closed and the browser's
// cookies cleared in the background once Fetch returns, whatever the outcome.
func (f *Fetcher) Fetch(ctx context.Context, url, lang string) (string, error) {
	start := time.Now()
	defer func() {
		f.metrics.RecordFetch(time.Since(start))
	}()

	if url == "" {
		return "", fmt.Errorf("%w: url is empty or not a string", browser.ErrNavigate)
	}

	engine, err := f.pool.Acquire(ctx, lang)
	if err != nil {
		return "", err
	}

	page, err := engine.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", browser.ErrNewPage, err)
	}
	defer f.cleanupAsync(ctx, engine, page, url)

	if f.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.NavigationTimeout)
		defer cancel()
	}

	f.logger.Info("Scraping", zap.String("url", url), zap.String("lang", lang))

	if err := page.Navigate(ctx, url); err != nil {
		return "", fmt.Errorf("%w: %s: %w", browser.ErrNavigate, url, err)
	}

	html, err := page.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", browser.ErrContent, url, err)
	}

	return html, nil
}

// cleanupAsync closes the page, then deletes every cookie the browser holds.
// It never blocks the caller; errors are logged and dropped.
func (f *Fetcher) cleanupAsync(ctx context.Context, engine browser.Engine, page browser.Page, url string) {
	f.cleanups.Add(1)

	go func() {
		defer f.cleanups.Done()

		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.CleanupTimeout)
		defer cancel()

		if err := cleanup(cleanupCtx, engine, page); err != nil {
			f.metrics.RecordCleanupError()
			f.logger.Warn("Ignoring cleanup error",
				zap.String("url", url),
				zap.Error(err))
		}
	}()
}

// cleanup clears cookies even when the page could not be closed, since a tab
// torn down by a navigation timeout still leaves its cookies in the browser.
func cleanup(ctx context.Context, engine browser.Engine, page browser.Page) error {
	var closeErr error
	if err := page.Close(ctx); err != nil {
		closeErr = fmt.Errorf("close page: %w", err)
	}

	cookies, err := engine.Cookies(ctx)
	if err != nil {
		return errors.Join(closeErr, fmt.Errorf("list cookies: %w", err))
	}
	if len(cookies) > 0 {
		if err := engine.DeleteCookies(ctx, cookies...); err != nil {
			return errors.Join(closeErr, err)
		}
	}

	return closeErr
}

// WaitCleanup waits up to timeout for background cleanups. Returns false if
// some were still running when the timeout expired.
func (f *Fetcher) WaitCleanup(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.cleanups.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
