// Package replay implements the Replay Executor: a plain HTTP client that
// issues operator-crafted requests bypassing interception entirely.
// Raw request text is parsed, sent via fasthttp, and the outcome is
// reported back over the operator channel as a replay_response. At most
// one replay is in flight per tab; a newer one cancels the older.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/common/urlutil"
	"github.com/relaywire/proxycore/pkg/types"
)

// Sink is the narrow slice of the Operator Channel & Event Router's
// contract the executor needs to deliver a replay_response.
type Sink interface {
	EmitReplayResponse(msg types.OutboundMessage)
}

// replayResult is the outcome of one upstream round trip, the shape
// coalesced results are cached as.
type replayResult struct {
	Status  int           `json:"status"`
	Headers types.Headers `json:"headers"`
	Body    []byte        `json:"body"`
}

func encodeReplayResult(r *replayResult) ([]byte, error) { return json.Marshal(r) }
func decodeReplayResult(data []byte) (*replayResult, error) {
	var r replayResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Executor issues operator-initiated replays. One in-flight replay is
// tracked per tab_id at a time; a second replay(tab_id, ...) for a tab
// already in flight cancels the prior one, the way a Repeater tab
// replaces its own pending request rather than queuing behind it.
type Executor struct {
	cfg    Config
	client *fasthttp.Client
	cache  *resultCache
	sink   Sink
	logger *zap.Logger
	obs    Observer

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

// Observer records replay outcomes and latency
// (internal/proxy/metrics.Collector implements it).
type Observer interface {
	RecordReplay(outcome string, duration time.Duration)
}

// NewExecutor constructs an Executor. If cfg.CacheAddr is set, it must
// name a reachable Redis address; a misconfigured cache address is a
// startup error rather than a silently-disabled cache.
func NewExecutor(cfg Config, sink Sink, logger *zap.Logger) (*Executor, error) {
	cache, err := newResultCache(cfg.CacheAddr)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}

	client := &fasthttp.Client{
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		Dial:         ssrfSafeDial,
	}

	return &Executor{
		cfg:      cfg,
		client:   client,
		cache:    cache,
		sink:     sink,
		logger:   logger,
		sem:      make(chan struct{}, concurrency),
		inFlight: make(map[string]context.CancelFunc),
	}, nil
}

// SetObserver attaches obs as the destination for replay outcome and
// latency signals. Must be called before the first Replay.
func (e *Executor) SetObserver(obs Observer) {
	e.obs = obs
}

func (e *Executor) observe(outcome string, duration time.Duration) {
	if e.obs != nil {
		e.obs.RecordReplay(outcome, duration)
	}
}

// Close releases the coalescing cache's connection, if any.
func (e *Executor) Close() error {
	return e.cache.close()
}

// Replay parses rawRequest and issues it against its target, bypassing
// interception entirely. It does not block the caller: admission into
// the concurrency semaphore and the round trip both run on their own
// goroutine, which reports through sink.EmitReplayResponse.
func (e *Executor) Replay(ctx context.Context, tabID, rawRequest string) {
	parsed, err := parseRawRequest(rawRequest)
	if err != nil {
		e.logger.Warn("replay request could not be parsed", zap.String("tabId", tabID), zap.Error(err))
		e.observe("error", 0)
		e.sink.EmitReplayResponse(types.OutboundMessage{TabID: tabID, Error: err.Error()})
		return
	}

	replayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if e.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		replayCtx, timeoutCancel = context.WithTimeout(replayCtx, e.cfg.Timeout)
		prior := cancel
		cancel = func() { timeoutCancel(); prior() }
	}

	e.mu.Lock()
	if prior, ok := e.inFlight[tabID]; ok {
		prior()
	}
	e.inFlight[tabID] = cancel
	e.mu.Unlock()

	go e.run(replayCtx, cancel, tabID, parsed)
}

// Cancel aborts the in-flight replay for tabID, if any. A tab with
// nothing in flight is a no-op, not an error: the operator's cancel
// click can race the replay's own completion.
func (e *Executor) Cancel(tabID string) {
	e.mu.Lock()
	cancel, ok := e.inFlight[tabID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, tabID string, parsed *parsedRequest) {
	defer cancel()
	defer func() {
		e.mu.Lock()
		if e.inFlight[tabID] != nil {
			delete(e.inFlight, tabID)
		}
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.observe("cancelled", 0)
		e.sink.EmitReplayResponse(types.OutboundMessage{TabID: tabID, Error: ErrCancelled.Error()})
		return
	}

	key := cacheKey(parsed)
	if cached, ok := e.cache.get(ctx, key); ok {
		e.observe("cached", 0)
		e.sink.EmitReplayResponse(types.OutboundMessage{
			TabID: tabID, Status: cached.Status, Headers: cached.Headers, Body: cached.Body,
		})
		return
	}

	start := time.Now()
	result, err := e.do(ctx, parsed)
	duration := time.Since(start)

	if err != nil {
		msg := types.OutboundMessage{TabID: tabID, DurationMS: duration.Milliseconds()}
		if ctx.Err() != nil {
			msg.Error = ErrCancelled.Error()
			e.observe("cancelled", duration)
		} else {
			msg.Error = err.Error()
			e.observe("error", duration)
			e.logger.Warn("replay upstream request failed", zap.String("tabId", tabID), zap.Error(err))
		}
		e.sink.EmitReplayResponse(msg)
		return
	}

	e.observe("ok", duration)
	e.cache.set(context.Background(), key, result)
	e.sink.EmitReplayResponse(types.OutboundMessage{
		TabID: tabID, Status: result.Status, Headers: result.Headers, Body: result.Body,
		DurationMS: duration.Milliseconds(),
	})
}

func (e *Executor) do(ctx context.Context, parsed *parsedRequest) (*replayResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(parsed.URL)
	req.Header.SetMethod(parsed.Method)
	for name, values := range parsed.Header {
		for i, v := range values {
			if i == 0 {
				req.Header.Set(name, v)
			} else {
				req.Header.Add(name, v)
			}
		}
	}
	if len(parsed.Body) > 0 {
		req.SetBody(parsed.Body)
	}

	done := make(chan error, 1)
	go func() { done <- e.client.Do(req, resp) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("replay: upstream request failed: %w", err)
		}
	}

	headers := make(types.Headers, 0)
	for key, value := range resp.Header.All() {
		headers = append(headers, types.Header{Name: string(key), Value: string(value)})
	}

	return &replayResult{
		Status:  resp.StatusCode(),
		Headers: headers,
		Body:    append([]byte(nil), resp.Body()...),
	}, nil
}

// ssrfSafeDial resolves the hostname, validates every candidate IP is
// public, then connects - an operator-crafted replay target is just as
// capable of pointing at internal infrastructure as a browser-driven one.
func ssrfSafeDial(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}
	for _, ip := range ips {
		if err := urlutil.ValidateResolvedIP(ip); err != nil {
			return nil, fmt.Errorf("SSRF protection for %q: %w", host, err)
		}
	}
	return fasthttp.DialTimeout(net.JoinHostPort(ips[0].String(), port), 10*time.Second)
}
