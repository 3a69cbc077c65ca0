// Package browserdriver implements coordinator.Driver against one real
// headless or headed Chrome instance, using the `fetch` CDP domain's
// request-pause/continue/fail/fulfill primitives as the resume-token
// mechanism.
package browserdriver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/coordinator"
	"github.com/relaywire/proxycore/pkg/types"
)

// Driver drives a single Chrome instance for the lifetime of one
// start_browser/stop_browser cycle. Not safe for concurrent Start calls;
// the command dispatcher only ever calls Start/Stop serially from command
// handling, never concurrently with itself.
type Driver struct {
	cfg    Config
	logger *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	ctx             context.Context
	cancel          context.CancelFunc

	mu          sync.Mutex
	correlation map[string]string // network request id -> coordinator exchange id
	started     bool
}

// New constructs a Driver. The browser process itself is not started
// until Start is called.
func New(cfg Config, logger *zap.Logger) *Driver {
	return &Driver{
		cfg:         cfg,
		logger:      logger,
		correlation: make(map[string]string),
	}
}

// Start launches the Chrome instance, enables fetch interception at both
// the request and response stage, and begins delivering PausedExchange
// events to onPaused. Returns once the browser is confirmed responsive.
func (d *Driver) Start(ctx context.Context, onPaused func(coordinator.PausedExchange)) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
	)
	if d.cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecutablePath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocatorCtx)

	startCtx := browserCtx
	var startCancel context.CancelFunc
	if d.cfg.StartTimeout > 0 {
		startCtx, startCancel = context.WithTimeout(browserCtx, d.cfg.StartTimeout)
		defer startCancel()
	}

	if err := chromedp.Run(startCtx); err != nil {
		allocatorCancel()
		cancel()
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go d.handlePaused(browserCtx, e, onPaused)
		case *network.EventLoadingFailed:
			// Browser-level failures (DNS, connection refused, TLS)
			// never reach the response-stage fetch pause; without this
			// the exchange would sit in_flight forever.
			go d.handleLoadingFailed(e, onPaused)
		}
	})

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
			{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
		}),
	); err != nil {
		allocatorCancel()
		cancel()
		return fmt.Errorf("%w: failed to enable fetch interception: %v", ErrLaunchFailed, err)
	}

	d.mu.Lock()
	d.allocatorCtx, d.allocatorCancel = allocatorCtx, allocatorCancel
	d.ctx, d.cancel = browserCtx, cancel
	d.started = true
	d.mu.Unlock()

	d.logger.Info("browser driver started", zap.Bool("headless", d.cfg.Headless))
	return nil
}

// Stop terminates the Chrome instance. Any exchange still paused at the
// moment of termination is abandoned by the browser process itself; the
// Coordinator's StopBrowser is responsible for aborting anything it still
// has suspended before calling this.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	d.cancel()
	d.allocatorCancel()
	d.started = false
	d.correlation = make(map[string]string)
	d.logger.Info("browser driver stopped")
	return nil
}

func (d *Driver) handlePaused(browserCtx context.Context, ev *fetch.EventRequestPaused, onPaused func(coordinator.PausedExchange)) {
	// The executor context must outlive this handler: the resume token
	// holds it for as long as the exchange stays suspended, so it is
	// scoped to the browser context, not to this event.
	executor := chromedp.FromContext(browserCtx)
	ctxExecutor := cdp.WithExecutor(browserCtx, executor.Target)

	networkKey := networkCorrelationKey(ev)

	// The request stage always carries a zero status code; only a
	// response-stage pause has one set.
	if ev.ResponseStatusCode == 0 {
		d.handleRequestPause(ctxExecutor, ev, networkKey, onPaused)
		return
	}
	d.handleResponsePause(ctxExecutor, ev, networkKey, onPaused)
}

func (d *Driver) handleRequestPause(ctxExecutor context.Context, ev *fetch.EventRequestPaused, networkKey string, onPaused func(coordinator.PausedExchange)) {
	headers := headersFromRequest(ev.Request.Headers)
	body := requestBody(ctxExecutor, ev)

	token := &resumeToken{
		driver:      d,
		requestID:   ev.RequestID,
		networkKey:  networkKey,
		ctxExecutor: ctxExecutor,
	}

	onPaused(coordinator.PausedExchange{
		Phase:        coordinator.PhaseRequest,
		Method:       ev.Request.Method,
		URL:          ev.Request.URL,
		Headers:      headers,
		Body:         body,
		ResourceType: string(ev.ResourceType),
		Token:        token,
	})
}

func (d *Driver) handleResponsePause(ctxExecutor context.Context, ev *fetch.EventRequestPaused, networkKey string, onPaused func(coordinator.PausedExchange)) {
	d.mu.Lock()
	exchangeID := d.correlation[networkKey]
	d.mu.Unlock()

	if exchangeID == "" {
		// Never tagged: an excluded exchange, or a response with no
		// request-phase pause (cached/preflight). Nothing to correlate
		// against, let it through unmodified.
		_ = fetch.ContinueRequest(ev.RequestID).Do(ctxExecutor)
		return
	}

	body := responseBody(ctxExecutor, ev.RequestID)
	headers := headersFromEntries(ev.ResponseHeaders)

	token := &resumeToken{
		driver:      d,
		requestID:   ev.RequestID,
		networkKey:  networkKey,
		ctxExecutor: ctxExecutor,
	}

	onPaused(coordinator.PausedExchange{
		Phase:      coordinator.PhaseResponse,
		ExchangeID: exchangeID,
		Status:     int(ev.ResponseStatusCode),
		Headers:    headers,
		Body:       body,
		Token:      token,
	})
}

// handleLoadingFailed reports a browser-level load failure for an
// exchange this driver previously tagged. Failures for requests the
// driver never tagged (or already resolved itself via Fulfill/Abort,
// which clear the correlation entry first) are ignored: a drop-induced
// EventLoadingFailed must not be re-reported as a new failure.
func (d *Driver) handleLoadingFailed(ev *network.EventLoadingFailed, onPaused func(coordinator.PausedExchange)) {
	key := string(ev.RequestID)
	d.mu.Lock()
	exchangeID := d.correlation[key]
	delete(d.correlation, key)
	d.mu.Unlock()
	if exchangeID == "" {
		return
	}

	errText := ev.ErrorText
	if errText == "" {
		errText = "loading failed"
	}
	onPaused(coordinator.PausedExchange{
		Phase:      coordinator.PhaseFailed,
		ExchangeID: exchangeID,
		Error:      errText,
	})
}

func networkCorrelationKey(ev *fetch.EventRequestPaused) string {
	if ev.NetworkID != "" {
		return string(ev.NetworkID)
	}
	return string(ev.RequestID)
}

func requestBody(ctxExecutor context.Context, ev *fetch.EventRequestPaused) []byte {
	if len(ev.Request.PostDataEntries) > 0 {
		var buf []byte
		for _, entry := range ev.Request.PostDataEntries {
			decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
			if err != nil {
				continue
			}
			buf = append(buf, decoded...)
		}
		return buf
	}
	if !ev.Request.HasPostData || ev.NetworkID == "" {
		return nil
	}
	data, err := network.GetRequestPostData(ev.NetworkID).Do(ctxExecutor)
	if err != nil {
		return nil
	}
	return []byte(data)
}

func responseBody(ctxExecutor context.Context, requestID fetch.RequestID) []byte {
	body, err := fetch.GetResponseBody(requestID).Do(ctxExecutor)
	if err != nil {
		return nil
	}
	return body
}

func headersFromRequest(raw map[string]interface{}) types.Headers {
	headers := make(types.Headers, 0, len(raw))
	for name, value := range raw {
		if str, ok := value.(string); ok {
			headers = append(headers, types.Header{Name: name, Value: str})
		}
	}
	return headers
}

func headersFromEntries(entries []*fetch.HeaderEntry) types.Headers {
	headers := make(types.Headers, 0, len(entries))
	for _, e := range entries {
		headers = append(headers, types.Header{Name: e.Name, Value: e.Value})
	}
	return headers
}
