package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	extractAttempts   = 3
	extractRetryDelay = 300 * time.Millisecond
)

// ChromeLauncher starts Chrome processes through chromedp
type ChromeLauncher struct {
	logger *zap.Logger
}

func NewChromeLauncher(logger *zap.Logger) *ChromeLauncher {
	return &ChromeLauncher{logger: logger}
}

// launchFlags returns the command line flags for a new instance
func launchFlags(opts LaunchOptions) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                      opts.Headless,
		"incognito":                     true,
		"lang":                          opts.Lang,
		"accept-lang":                   opts.Lang,
		"disable-gpu":                   true,
		"disable-dev-shm-usage":         true,
		"no-first-run":                  true,
		"disable-extensions":            true,
		"disable-background-networking": true,
		"disable-sync":                  true,
		"disable-translate":             true,
		"mute-audio":                    true,
	}
	if opts.NoSandbox {
		flags["no-sandbox"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// Launch starts a browser and returns once it is connected. The process outlives ctx;
// ctx only bounds the startup handshake.
func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Engine, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(opts) {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	e := &chromeEngine{lang: opts.Lang, logger: l.logger}

	// chromedp allocates a temporary user-data-dir per allocator and removes it on cancel
	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocCtx)

	stop := context.AfterFunc(ctx, e.browserCancel)
	defer stop()

	if err := chromedp.Run(e.browserCtx); err != nil {
		e.allocCancel()
		return nil, errors.Join(ErrLaunch, err)
	}

	if err := chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		e.version = product
		return nil
	})); err != nil {
		l.logger.Warn("Failed to capture browser version",
			zap.String("lang", opts.Lang),
			zap.Error(err))
	}

	l.logger.Info("Browser launched",
		zap.String("lang", opts.Lang),
		zap.String("version", e.version),
		zap.Bool("headless", opts.Headless))

	return e, nil
}

type chromeEngine struct {
	lang          string
	version       string
	logger        *zap.Logger
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

// browserExecutor binds ctx to the browser-level CDP session
func (e *chromeEngine) browserExecutor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(e.browserCtx).Browser)
}

func (e *chromeEngine) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)

	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	// The first Run on a fresh context creates the tab
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, err
	}

	return &chromePage{
		engine:   e,
		targetID: chromedp.FromContext(tabCtx).Target.TargetID,
		ctx:      tabCtx,
		cancel:   tabCancel,
	}, nil
}

func (e *chromeEngine) Pages(ctx context.Context) ([]Page, error) {
	infos, err := chromedp.Targets(e.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var pages []Page
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		tabCtx, tabCancel := chromedp.NewContext(e.browserCtx, chromedp.WithTargetID(info.TargetID))
		pages = append(pages, &chromePage{
			engine:   e,
			targetID: info.TargetID,
			ctx:      tabCtx,
			cancel:   tabCancel,
		})
	}
	return pages, nil
}

func (e *chromeEngine) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := storage.GetCookies().Do(e.browserExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return cookies, nil
}

// DeleteCookies expires the given cookies. Storage has no per-cookie delete at the
// browser level, so each cookie is overwritten with an expiry in the past.
func (e *chromeEngine) DeleteCookies(ctx context.Context, cookies ...Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	expired := cdp.TimeSinceEpoch(time.Unix(1, 0))
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  &expired,
		})
	}

	if err := storage.SetCookies(params).Do(e.browserExecutor(ctx)); err != nil {
		return fmt.Errorf("delete %d cookies: %w", len(cookies), err)
	}
	return nil
}

// Close terminates the browser process and removes its temporary profile
func (e *chromeEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = chromedp.Cancel(e.browserCtx)
		e.allocCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Browser did not close cleanly",
				zap.String("lang", e.lang),
				zap.Error(err))
		} else {
			err = nil
		}
		e.logger.Info("Browser closed", zap.String("lang", e.lang))
	})
	return err
}

type chromePage struct {
	engine   *chromeEngine
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	if err := chromedp.Run(p.ctx, chromedp.Navigate(url)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

// Content serializes the document root, retrying briefly while the DOM settles
func (p *chromePage) Content(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	var html string
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < extractAttempts; attempt++ {
			if attempt > 0 {
				if err := waitRetry(ctx, extractRetryDelay); err != nil {
					return fmt.Errorf("after %d attempts: %w", attempt, errors.Join(err, lastErr))
				}
			}

			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			out, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			html = out
			return nil
		}
		return fmt.Errorf("after %d attempts: %w", extractAttempts, lastErr)
	}))
	if err != nil {
		return "", err
	}
	return html, nil
}

// waitRetry pauses for d, returning early with ctx's error when it ends
func waitRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close closes the tab through the browser session so it works for tabs this
// process never attached to, then releases the chromedp context.
func (p *chromePage) Close(ctx context.Context) error {
	defer p.cancel()

	if err := target.CloseTarget(p.targetID).Do(p.engine.browserExecutor(ctx)); err != nil && !isTargetGone(err) {
		return fmt.Errorf("close page %s: %w", p.targetID, err)
	}
	return nil
}

// isTargetGone reports whether CDP rejected a call because the tab no longer
// exists, which happens when a cancelled navigation already tore it down.
func isTargetGone(err error) bool {
	var cdpErr *cdproto.Error
	if errors.As(err, &cdpErr) {
		return strings.Contains(cdpErr.Message, "No target with given id")
	}
	return strings.Contains(err.Error(), "No target with given id")
}
