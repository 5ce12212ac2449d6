package browser

import (
	"context"
)

// LaunchOptions configures a new browser process. Every instance gets an
// isolated, non-persistent profile; Lang drives both the UI locale and the
// Accept-Language header.
type LaunchOptions struct {
	Lang      string
	Headless  bool
	ExecPath  string
	NoSandbox bool
}

// Launcher starts browser processes
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Engine, error)
}

// Engine is one running browser process
type Engine interface {
	NewPage(ctx context.Context) (Page, error)
	// Pages lists the tabs currently open in the browser
	Pages(ctx context.Context) ([]Page, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	DeleteCookies(ctx context.Context, cookies ...Cookie) error
	Close() error
}

// Page is a single tab
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Content returns the serialized DOM as it is after scripts have run
	Content(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Cookie identifies a browser cookie
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}
