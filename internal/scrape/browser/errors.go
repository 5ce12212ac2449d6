package browser

import "errors"

// Launch and pool errors
var (
	ErrLaunch     = errors.New("browser launch failed")
	ErrPoolClosed = errors.New("browser pool is closed")
)

// Page errors - returned while fetching a URL
var (
	ErrNewPage  = errors.New("failed to open page")
	ErrNavigate = errors.New("navigation failed")
	ErrContent  = errors.New("content capture failed")
)
