// Package coordinator implements the Interception Coordinator: the
// subsystem that owns per-exchange state, the suspended-exchange map,
// and the policy deciding when traffic pauses for an operator decision.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/exclusion"
	"github.com/relaywire/proxycore/internal/proxy/identity"
	"github.com/relaywire/proxycore/internal/proxy/rewrite"
	"github.com/relaywire/proxycore/pkg/types"
)

// Config holds the Coordinator's policy knobs.
type Config struct {
	GracePeriod     time.Duration // degraded-mode auto-forward delay after operator disconnect
	JanitorInterval time.Duration // how often the suspended-map janitor sweeps
	MaxSuspendedAge time.Duration // entries older than this are dropped by the janitor
}

// liveExchange tracks an exchange from the moment it's captured until it
// is completed or dropped - not only while suspended, since the
// Coordinator must still remember interceptResponse and the
// rewritten request snapshot while an exchange is merely in_flight.
type liveExchange struct {
	id                string
	seq               int64
	state             types.ExchangeState
	interceptResponse bool
	token             ResumeToken
	createdAt         time.Time
	suspendedAt       time.Time // set each time the exchange enters a suspended state

	// snapshot of the request as last rewritten, used to merge operator
	// edits on forward without re-deriving from the original pause event.
	method  string
	url     string
	headers types.Headers
	body    []byte

	// populated once the response phase pauses, used to merge operator
	// edits on a response-phase forward.
	status int
}

// Coordinator is the Interception Coordinator. The zero value is not
// usable; construct with New.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	ids     *identity.Allocator
	filter  *exclusion.Filter
	rewrite *rewrite.Engine
	router  Router
	rules   RuleSource
	obs     Observer

	interceptRequestsOn atomic.Bool

	mu   sync.Mutex
	live map[string]*liveExchange

	operatorConnected atomic.Bool
	disconnectedAt    atomic.Int64 // unix nanos, 0 when connected

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// New constructs a Coordinator. The janitor goroutine starts
// immediately and runs until Close is called.
func New(cfg Config, logger *zap.Logger, ids *identity.Allocator, filter *exclusion.Filter, engine *rewrite.Engine, router Router, rules RuleSource) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		ids:         ids,
		filter:      filter,
		rewrite:     engine,
		router:      router,
		rules:       rules,
		live:        make(map[string]*liveExchange),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	c.operatorConnected.Store(true)
	go c.runJanitor()
	return c
}

// Close stops the janitor goroutine. Safe to call once.
func (c *Coordinator) Close() {
	close(c.stopJanitor)
	<-c.janitorDone
}

// Observer receives exchange-lifecycle signals
// (internal/proxy/metrics.Collector implements it).
type Observer interface {
	RecordExchangeTerminal(state string)
	RecordSuspension(phase string, duration time.Duration)
}

// SetObserver attaches obs as the destination for lifecycle signals.
// Must be called before any traffic flows.
func (c *Coordinator) SetObserver(obs Observer) {
	c.obs = obs
}

func (c *Coordinator) observeTerminal(state string) {
	if c.obs != nil {
		c.obs.RecordExchangeTerminal(state)
	}
}

func (c *Coordinator) observeSuspension(phase string, since time.Time) {
	if c.obs != nil && !since.IsZero() {
		c.obs.RecordSuspension(phase, time.Since(since))
	}
}

// SetInterceptRequests flips the process-global armed flag.
func (c *Coordinator) SetInterceptRequests(on bool) {
	c.interceptRequestsOn.Store(on)
}

// InterceptRequests reports the current armed-flag state.
func (c *Coordinator) InterceptRequests() bool {
	return c.interceptRequestsOn.Load()
}

// HandlePaused is the entry point the browser driver calls for every
// pause event, on whatever goroutine the driver's event loop uses.
func (c *Coordinator) HandlePaused(ctx context.Context, pe PausedExchange) {
	switch pe.Phase {
	case PhaseRequest:
		c.handleRequestPaused(ctx, pe)
	case PhaseResponse:
		c.handleResponsePaused(ctx, pe)
	case PhaseFailed:
		c.handleLoadingFailed(pe)
	default:
		c.invariantViolation(fmt.Sprintf("unknown pause phase %d", pe.Phase))
		// Release builds reach this point: drop the affected exchange.
		c.mu.Lock()
		delete(c.live, pe.ExchangeID)
		c.mu.Unlock()
		if pe.Token != nil {
			_ = pe.Token.Abort(ctx)
		}
	}
}

// handleLoadingFailed resolves an exchange the browser reported failed
// before any response-stage pause could fire. The entry is removed from
// the live map (so a later operator forward/drop is a no-op) and a
// capture_response carrying a synthetic error field is emitted so the
// history can still correlate the failure by id.
func (c *Coordinator) handleLoadingFailed(pe PausedExchange) {
	c.mu.Lock()
	le, ok := c.live[pe.ExchangeID]
	if ok {
		delete(c.live, pe.ExchangeID)
	}
	c.mu.Unlock()
	if !ok {
		// Already dropped, already completed, or never captured (an
		// excluded request's failure): nothing to resolve.
		return
	}

	c.router.EmitCaptureResponse(types.ResponseData{
		Type: "response", ReqID: le.id, URL: le.url, Error: pe.Error,
	})
	c.observeTerminal("failed")
}

func (c *Coordinator) handleRequestPaused(ctx context.Context, pe PausedExchange) {
	id := c.ids.NewID()
	seq := c.ids.NextSeq()

	if c.filter.IsExcluded(pe.URL, c.rules.ExclusionRules()) {
		if err := pe.Token.Continue(ctx, types.ModifiedExchange{}); err != nil {
			c.logger.Warn("continue failed for excluded request", zap.String("id", id), zap.Error(err))
		}
		c.observeTerminal("excluded")
		return
	}

	// Tagged only once the exchange is visible: an excluded exchange
	// must not correlate, so its response-stage pause falls through the
	// driver's untagged path and is released unmodified.
	pe.Token.Tag(id)

	rules := c.rules.RewriteRules()
	line := fmt.Sprintf("%s %s HTTP/1.1", pe.Method, pe.URL)
	line = c.rewrite.ApplyFirstLine(line, rules, types.ScopeRequestFirstLine)
	method, url := splitRequestLine(line, pe.Method, pe.URL)

	headers := c.rewrite.ApplyHeaders(pe.Headers, rules, types.ScopeRequestHeader)
	body := c.rewrite.ApplyBody(pe.Body, rules, types.ScopeRequestBody)

	le := &liveExchange{
		id: id, seq: seq, token: pe.Token, createdAt: time.Now(),
		method: method, url: url, headers: headers, body: body,
	}

	data := types.RequestData{
		Type: "request", ID: id, Seq: seq, Method: method, URL: url,
		Headers: headers, Body: body, ResourceType: pe.ResourceType,
		Timestamp: time.Now().UnixMilli(),
	}

	if !c.operatorConnected.Load() {
		// Degraded mode: skip suspension regardless of the armed flag.
		le.state = types.StateInFlight
		c.mu.Lock()
		c.live[id] = le
		c.mu.Unlock()
		c.router.EmitCaptureRequest(data)
		c.continueUnsuspended(ctx, le)
		return
	}

	data.Pending = false
	c.router.EmitCaptureRequest(data)

	if c.interceptRequestsOn.Load() {
		le.state = types.StateReqSuspended
		le.suspendedAt = time.Now()
		c.mu.Lock()
		c.live[id] = le
		c.mu.Unlock()

		prompt := data
		prompt.Pending = true
		c.router.EmitInterceptPromptRequest(prompt)
		return
	}

	le.state = types.StateInFlight
	c.mu.Lock()
	c.live[id] = le
	c.mu.Unlock()
	c.continueUnsuspended(ctx, le)
}

func (c *Coordinator) continueUnsuspended(ctx context.Context, le *liveExchange) {
	method, headers, body := le.method, le.headers, le.body
	edit := types.ModifiedExchange{Method: &method, Headers: &headers, Body: body}
	if err := le.token.Continue(ctx, edit); err != nil {
		c.logger.Warn("continue failed", zap.String("id", le.id), zap.Error(err))
	}
}

func (c *Coordinator) handleResponsePaused(ctx context.Context, pe PausedExchange) {
	c.mu.Lock()
	le, ok := c.live[pe.ExchangeID]
	c.mu.Unlock()
	if !ok {
		// Unknown id: the exchange was already dropped, or this is a
		// replay response (which never enters the live map). No-op.
		return
	}

	rules := c.rules.RewriteRules()
	statusLine := fmt.Sprintf("HTTP/1.1 %d %s", pe.Status, http.StatusText(pe.Status))
	statusLine = c.rewrite.ApplyFirstLine(statusLine, rules, types.ScopeResponseFirstLine)
	status := parseStatusLine(statusLine, pe.Status)

	headers := c.rewrite.ApplyHeaders(pe.Headers, rules, types.ScopeResponseHeader)
	body := c.rewrite.ApplyBody(pe.Body, rules, types.ScopeResponseBody)

	c.router.EmitCaptureResponse(types.ResponseData{
		Type: "response", ReqID: le.id, URL: le.url,
		Status: status, Headers: headers, Body: body,
	})

	c.mu.Lock()
	le.token = pe.Token
	le.status = status
	le.headers = headers
	le.body = body
	interceptResponse := le.interceptResponse
	if interceptResponse {
		le.state = types.StateResSuspended
		le.suspendedAt = time.Now()
	}
	c.mu.Unlock()

	if interceptResponse {
		c.router.EmitInterceptPromptResponse(types.ResponseData{
			Type: "response", ReqID: le.id, URL: le.url,
			Status: status, Headers: headers, Body: body, Pending: true,
		})
		return
	}

	edit := types.ModifiedExchange{Status: &status, Headers: &headers, Body: body}
	if err := pe.Token.Fulfill(ctx, edit); err != nil {
		c.logger.Warn("fulfill failed", zap.String("id", le.id), zap.Error(err))
	}
	c.mu.Lock()
	delete(c.live, le.id)
	c.mu.Unlock()
	c.observeTerminal("completed")
}

// Forward implements the operator's forward(id, edit?) command. Looking
// up an unknown id is an idempotent no-op, never an error.
func (c *Coordinator) Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error {
	c.mu.Lock()
	le, ok := c.live[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	switch le.state {
	case types.StateReqSuspended:
		method, headers, body := mergeRequestEdit(le.method, le.headers, le.body, edit)
		if interceptResponse != nil {
			le.interceptResponse = *interceptResponse
		}
		le.method, le.headers, le.body = method, headers, body
		le.state = types.StateInFlight
		token := le.token
		suspendedAt := le.suspendedAt
		c.mu.Unlock()

		c.observeSuspension("request", suspendedAt)
		finalEdit := types.ModifiedExchange{Method: &method, Headers: &headers, Body: body}
		return token.Continue(ctx, finalEdit)

	case types.StateResSuspended:
		status, headers, body := mergeResponseEdit(le.status, le.headers, le.body, edit)
		token := le.token
		suspendedAt := le.suspendedAt
		delete(c.live, id)
		c.mu.Unlock()

		c.observeSuspension("response", suspendedAt)
		c.observeTerminal("completed")
		finalEdit := types.ModifiedExchange{Status: &status, Headers: &headers, Body: body}
		return token.Fulfill(ctx, finalEdit)

	default:
		// Already forwarded, already dropped, or not suspended: no-op.
		c.mu.Unlock()
		return nil
	}
}

// Drop implements the operator's drop(id) command. Idempotent on an
// unknown or already-resolved id.
func (c *Coordinator) Drop(ctx context.Context, id string) error {
	c.mu.Lock()
	le, ok := c.live[id]
	if !ok || (le.state != types.StateReqSuspended && le.state != types.StateResSuspended) {
		c.mu.Unlock()
		return nil
	}
	token := le.token
	phase := "request"
	if le.state == types.StateResSuspended {
		phase = "response"
	}
	suspendedAt := le.suspendedAt
	delete(c.live, id)
	c.mu.Unlock()

	c.observeSuspension(phase, suspendedAt)
	c.observeTerminal("dropped")
	return token.Abort(ctx)
}

// ToggleInterceptResponse implements toggle_intercept_response(id, bool):
// flips the per-exchange flag for an exchange not yet at the response
// phase. No-op if the exchange is unknown or already past that point.
func (c *Coordinator) ToggleInterceptResponse(id string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if le, ok := c.live[id]; ok {
		le.interceptResponse = enabled
	}
}

// StopBrowser implements stop_browser: drops every suspended exchange.
func (c *Coordinator) StopBrowser(ctx context.Context) {
	c.mu.Lock()
	var toDrop []*liveExchange
	for id, le := range c.live {
		if le.state == types.StateReqSuspended || le.state == types.StateResSuspended {
			toDrop = append(toDrop, le)
			delete(c.live, id)
		}
	}
	c.mu.Unlock()

	for _, le := range toDrop {
		if err := le.token.Abort(ctx); err != nil {
			c.logger.Warn("abort failed during stop_browser", zap.String("id", le.id), zap.Error(err))
		}
		c.observeTerminal("dropped")
	}
}

// NotifyBrowserAborted tells the Coordinator the browser itself aborted
// an in-flight or suspended exchange upstream. The entry is removed and
// marked dropped; a subsequent forward/drop from the operator is a no-op.
func (c *Coordinator) NotifyBrowserAborted(id string) {
	c.mu.Lock()
	_, present := c.live[id]
	delete(c.live, id)
	c.mu.Unlock()
	if present {
		c.observeTerminal("dropped")
	}
}

// OnOperatorDisconnected begins the degraded-mode grace period. If the
// operator doesn't reconnect within cfg.GracePeriod, every currently
// suspended exchange is auto-forwarded unedited and the armed flag is
// cleared.
func (c *Coordinator) OnOperatorDisconnected(ctx context.Context) {
	c.operatorConnected.Store(false)
	c.disconnectedAt.Store(time.Now().UnixNano())

	grace := c.cfg.GracePeriod
	deadline := c.disconnectedAt.Load()

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if c.operatorConnected.Load() || c.disconnectedAt.Load() != deadline {
			return // reconnected, or a newer disconnect superseded this one
		}
		c.enterDegradedMode(ctx)
	}()
}

// OnOperatorReconnected cancels any pending degraded-mode transition.
func (c *Coordinator) OnOperatorReconnected() {
	c.operatorConnected.Store(true)
	c.disconnectedAt.Store(0)
}

func (c *Coordinator) enterDegradedMode(ctx context.Context) {
	c.interceptRequestsOn.Store(false)

	c.mu.Lock()
	var toForward []*liveExchange
	for _, le := range c.live {
		if le.state == types.StateReqSuspended || le.state == types.StateResSuspended {
			toForward = append(toForward, le)
		}
	}
	c.mu.Unlock()

	for _, le := range toForward {
		switch le.state {
		case types.StateReqSuspended:
			c.observeSuspension("request", le.suspendedAt)
			edit := types.ModifiedExchange{Method: &le.method, Headers: &le.headers, Body: le.body}
			if err := le.token.Continue(ctx, edit); err != nil {
				c.logger.Warn("degraded-mode auto-continue failed", zap.String("id", le.id), zap.Error(err))
			}
			c.mu.Lock()
			le.state = types.StateInFlight
			c.mu.Unlock()
		case types.StateResSuspended:
			c.observeSuspension("response", le.suspendedAt)
			edit := types.ModifiedExchange{Status: &le.status, Headers: &le.headers, Body: le.body}
			if err := le.token.Fulfill(ctx, edit); err != nil {
				c.logger.Warn("degraded-mode auto-fulfill failed", zap.String("id", le.id), zap.Error(err))
			}
			c.mu.Lock()
			delete(c.live, le.id)
			c.mu.Unlock()
			c.observeTerminal("completed")
		}
	}

	c.router.EmitDegradedMode()
}

func (c *Coordinator) runJanitor() {
	defer close(c.janitorDone)
	interval := c.cfg.JanitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopJanitor:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	cutoff := time.Now().Add(-c.cfg.MaxSuspendedAge)
	c.mu.Lock()
	var expired []*liveExchange
	for id, le := range c.live {
		if (le.state == types.StateReqSuspended || le.state == types.StateResSuspended) && le.createdAt.Before(cutoff) {
			expired = append(expired, le)
			delete(c.live, id)
		}
	}
	c.mu.Unlock()

	for _, le := range expired {
		if err := le.token.Abort(context.Background()); err != nil {
			c.logger.Warn("janitor abort failed", zap.String("id", le.id), zap.Error(err))
		}
		c.observeTerminal("dropped")
	}
}

func (c *Coordinator) invariantViolation(msg string) {
	if c.logger != nil {
		c.logger.Error("internal invariant violation", zap.String("detail", msg))
	}
	if debugBuild {
		panic(fmt.Sprintf("%s: %s", ErrInvariantViolation, msg))
	}
}

func splitRequestLine(line, fallbackMethod, fallbackURL string) (method, url string) {
	var rest string
	n, _ := fmt.Sscanf(line, "%s %s", &method, &rest)
	if n < 2 {
		return fallbackMethod, fallbackURL
	}
	return method, rest
}

func parseStatusLine(line string, fallback int) int {
	var proto string
	var status int
	n, _ := fmt.Sscanf(line, "%s %d", &proto, &status)
	if n < 2 {
		return fallback
	}
	return status
}

// mergeRequestEdit overlays an operator edit onto the current request
// snapshot, recomputing Content-Length from the final body whenever the
// body changes; discrepancies are silently corrected, never surfaced
// as an error.
func mergeRequestEdit(method string, headers types.Headers, body []byte, edit *types.ModifiedExchange) (string, types.Headers, []byte) {
	if edit == nil {
		return method, headers, body
	}
	if edit.Method != nil {
		method = *edit.Method
	}
	if edit.Headers != nil {
		headers = *edit.Headers
	}
	if edit.Body != nil {
		body = edit.Body
		headers = headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return method, headers, body
}

func mergeResponseEdit(status int, headers types.Headers, body []byte, edit *types.ModifiedExchange) (int, types.Headers, []byte) {
	if edit == nil {
		return status, headers, body
	}
	if edit.Status != nil {
		status = *edit.Status
	}
	if edit.Headers != nil {
		headers = *edit.Headers
	}
	if edit.Body != nil {
		body = edit.Body
		headers = headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return status, headers, body
}
