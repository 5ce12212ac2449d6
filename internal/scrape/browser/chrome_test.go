package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLaunchFlags(t *testing.T) {
	flags := launchFlags(LaunchOptions{Lang: "de-DE", Headless: true})

	assert.Equal(t, "de-DE", flags["lang"])
	assert.Equal(t, "de-DE", flags["accept-lang"])
	assert.Equal(t, true, flags["incognito"])
	assert.Equal(t, true, flags["headless"])
	assert.NotContains(t, flags, "no-sandbox")
}

func TestIsTargetGone(t *testing.T) {
	gone := &cdproto.Error{Code: -32602, Message: "No target with given id found"}

	assert.True(t, isTargetGone(gone))
	assert.True(t, isTargetGone(fmt.Errorf("close: %w", gone)))
	assert.False(t, isTargetGone(&cdproto.Error{Code: -32000, Message: "Internal error"}))
	assert.False(t, isTargetGone(errors.New("websocket closed")))
}

func TestWaitRetry(t *testing.T) {
	require.NoError(t, waitRetry(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := waitRetry(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLaunchFlags_HeadfulNoSandbox(t *testing.T) {
	flags := launchFlags(LaunchOptions{Lang: "en-US", Headless: false, NoSandbox: true})

	assert.Equal(t, false, flags["headless"])
	assert.Equal(t, true, flags["no-sandbox"])
	assert.Equal(t, true, flags["disable-setuid-sandbox"])
}

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("Chrome not installed")
	return ""
}

func TestChromeEngine_FetchAndCleanup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	execPath := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>t</title></head><body><div id="app"></div>
<script>document.getElementById('app').textContent = 'rendered';</script></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	engine, err := NewChromeLauncher(zap.NewNop()).Launch(ctx, LaunchOptions{
		Lang:      "de-DE",
		Headless:  true,
		ExecPath:  execPath,
		NoSandbox: true,
	})
	require.NoError(t, err)
	defer engine.Close()

	page, err := engine.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, srv.URL))

	html, err := page.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, `<div id="app">rendered</div>`, "content reflects the DOM after scripts ran")

	require.NoError(t, page.Close(ctx))

	cookies, err := engine.Cookies(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cookies)

	require.NoError(t, engine.DeleteCookies(ctx, cookies...))
	remaining, err := engine.Cookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
