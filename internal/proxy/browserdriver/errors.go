package browserdriver

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the browser process is
	// already running.
	ErrAlreadyStarted = errors.New("browserdriver: already started")
	// ErrNotStarted is returned by Stop when no browser process is running.
	ErrNotStarted = errors.New("browserdriver: not started")
	// ErrLaunchFailed wraps a chromedp/exec allocator failure during Start.
	ErrLaunchFailed = errors.New("browserdriver: failed to launch browser")
)
