// Package browsertest provides in-memory browser engines for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/edgecomet/scrape-worker/internal/scrape/browser"
)

// Launcher launches FakeEngines and records every launch
type Launcher struct {
	// Err fails every launch when set
	Err error
	// Gate, when set, blocks each launch until it is closed
	Gate chan struct{}
	// DefaultPages is the number of tabs each engine starts with
	DefaultPages int
	// Configure is applied to each new engine before it is returned
	Configure func(e *Engine)

	mu       sync.Mutex
	launches []browser.LaunchOptions
	engines  map[string][]*Engine
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Engine, error) {
	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches = append(l.launches, opts)
	if l.Err != nil {
		return nil, errors.Join(browser.ErrLaunch, l.Err)
	}

	e := NewEngine(opts.Lang)
	for i := 0; i < l.DefaultPages; i++ {
		e.pages = append(e.pages, &Page{engine: e, url: "about:blank"})
	}
	if l.Configure != nil {
		l.Configure(e)
	}

	if l.engines == nil {
		l.engines = make(map[string][]*Engine)
	}
	l.engines[opts.Lang] = append(l.engines[opts.Lang], e)
	return e, nil
}

// Launches returns the options of every launch attempt, in order
func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}

// Engines returns the engines launched for lang
func (l *Launcher) Engines(lang string) []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Engine(nil), l.engines[lang]...)
}

// Engine is an in-memory browser.Engine
type Engine struct {
	Lang string

	// NewPageErr fails NewPage when set
	NewPageErr error
	// Navigate overrides navigation; default succeeds
	Navigate func(ctx context.Context, url string) error
	// Content overrides content capture; default returns a page naming the url
	Content func(ctx context.Context, url string) (string, error)
	// CookiesErr fails Cookies when set
	CookiesErr error
	// PageCloseErr fails Page.Close when set
	PageCloseErr error
	// PageCloseGate, when set, blocks Page.Close until it is closed or ctx ends
	PageCloseGate chan struct{}

	mu        sync.Mutex
	pages     []*Page
	cookies   []browser.Cookie
	deleted   []browser.Cookie
	closed    bool
	closeCnt  atomic.Int32
	pageCount atomic.Int32
}

func NewEngine(lang string) *Engine {
	return &Engine{Lang: lang}
}

// SetCookies replaces the engine's cookie jar
func (e *Engine) SetCookies(cookies ...browser.Cookie) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cookies = append([]browser.Cookie(nil), cookies...)
}

func (e *Engine) NewPage(ctx context.Context) (browser.Page, error) {
	if e.NewPageErr != nil {
		return nil, e.NewPageErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine %s closed", e.Lang)
	}

	p := &Page{engine: e}
	e.pages = append(e.pages, p)
	e.pageCount.Add(1)
	return p, nil
}

func (e *Engine) Pages(ctx context.Context) ([]browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pages := make([]browser.Page, 0, len(e.pages))
	for _, p := range e.pages {
		pages = append(pages, p)
	}
	return pages, nil
}

func (e *Engine) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if e.CookiesErr != nil {
		return nil, e.CookiesErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]browser.Cookie(nil), e.cookies...), nil
}

func (e *Engine) DeleteCookies(ctx context.Context, cookies ...browser.Cookie) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.deleted = append(e.deleted, cookies...)
	remaining := e.cookies[:0]
	for _, c := range e.cookies {
		if !containsCookie(cookies, c) {
			remaining = append(remaining, c)
		}
	}
	e.cookies = remaining
	return nil
}

func (e *Engine) Close() error {
	e.closeCnt.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// OpenPages is the number of tabs not yet closed
func (e *Engine) OpenPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pages)
}

// PagesOpened counts NewPage calls that succeeded
func (e *Engine) PagesOpened() int {
	return int(e.pageCount.Load())
}

// RemainingCookies returns the cookies still in the jar
func (e *Engine) RemainingCookies() []browser.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]browser.Cookie(nil), e.cookies...)
}

func (e *Engine) DeletedCookies() []browser.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]browser.Cookie(nil), e.deleted...)
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) CloseCount() int {
	return int(e.closeCnt.Load())
}

func (e *Engine) removePage(p *Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.pages {
		if existing == p {
			e.pages = append(e.pages[:i], e.pages[i+1:]...)
			return
		}
	}
}

// Page is an in-memory browser.Page
type Page struct {
	engine *Engine
	url    string
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.url = url
	if p.engine.Navigate != nil {
		return p.engine.Navigate(ctx, url)
	}
	return nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if p.engine.Content != nil {
		return p.engine.Content(ctx, p.url)
	}
	return fmt.Sprintf("<html><body>%s</body></html>", p.url), nil
}

func (p *Page) Close(ctx context.Context) error {
	if p.engine.PageCloseGate != nil {
		select {
		case <-p.engine.PageCloseGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.engine.PageCloseErr != nil {
		return p.engine.PageCloseErr
	}
	p.engine.removePage(p)
	return nil
}

func containsCookie(cookies []browser.Cookie, c browser.Cookie) bool {
	for _, candidate := range cookies {
		if candidate.Name == c.Name && candidate.Domain == c.Domain && candidate.Path == c.Path {
			return true
		}
	}
	return false
}
