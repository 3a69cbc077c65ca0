package intercept_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/coordinator"
	"github.com/relaywire/proxycore/internal/proxy/exclusion"
	"github.com/relaywire/proxycore/internal/proxy/httpapi"
	"github.com/relaywire/proxycore/internal/proxy/identity"
	"github.com/relaywire/proxycore/internal/proxy/project"
	"github.com/relaywire/proxycore/internal/proxy/rewrite"
	"github.com/relaywire/proxycore/internal/proxy/router"
	"github.com/relaywire/proxycore/pkg/types"
)

const graceForDisconnectTests = 200 * time.Millisecond

// testEnv wires the real traffic-mediation engine core (identity,
// exclusion, rewrite, coordinator, the operator router, the project
// store) behind a real httpapi.Server bound to an ephemeral loopback
// port, with a fake coordinator.Driver in place of the chromedp-backed
// browser driver.
type testEnv struct {
	store    *project.Store
	filter   *exclusion.Filter
	coord    *coordinator.Coordinator
	driver   *fakeDriver
	upstream *upstream
	mgmt     *httpapi.Server

	dir    string
	wsConn net.Conn
}

// coordinatorReleaser and operatorHandler break the construction cycle
// between the operator channel and the Coordinator/Dispatcher, the same
// way cmd/proxy/main.go ties the two together.
type coordinatorReleaser struct {
	c *coordinator.Coordinator
}

func (r *coordinatorReleaser) Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error {
	return r.c.Forward(ctx, id, edit, interceptResponse)
}

type operatorHandler struct {
	d *httpapi.Dispatcher
}

func (h *operatorHandler) HandleCommand(ctx context.Context, cmd types.InboundCommand) {
	h.d.HandleCommand(ctx, cmd)
}

type fakeReplay struct{}

func (fakeReplay) Replay(ctx context.Context, tabID, rawRequest string) {}
func (fakeReplay) Cancel(tabID string)                                  {}

func newEnv() *testEnv {
	logger := zap.NewNop()
	ids := identity.New()
	filter := exclusion.New()
	rewriteEngine := rewrite.New(logger)

	dir, err := os.MkdirTemp("", "intercept-acceptance-*")
	Expect(err).NotTo(HaveOccurred())

	store, err := project.New(project.Config{RootDir: dir, AutosaveInterval: time.Hour}, logger)
	Expect(err).NotTo(HaveOccurred())
	_, err = store.Create("acceptance")
	Expect(err).NotTo(HaveOccurred())

	up := newUpstream()
	driver := newFakeDriver(up)

	var coord *coordinator.Coordinator
	releaser := &coordinatorReleaser{}
	handler := &operatorHandler{}

	opRouter := router.New(64, logger, handler, releaser,
		func() {
			if coord != nil {
				coord.OnOperatorReconnected()
			}
		},
		func() {
			if coord != nil {
				coord.OnOperatorDisconnected(context.Background())
			}
		},
	)

	fanout := httpapi.NewFanoutRouter(opRouter, store)
	coord = coordinator.New(coordinator.Config{
		GracePeriod:     graceForDisconnectTests,
		JanitorInterval: time.Hour,
		MaxSuspendedAge: time.Hour,
	}, logger, ids, filter, rewriteEngine, fanout, store)
	releaser.c = coord

	dispatcher := httpapi.NewDispatcher(coord, driver, fakeReplay{}, store, opRouter, logger)
	handler.d = dispatcher

	mgmt := httpapi.New(httpapi.Config{Listen: "127.0.0.1:0"}, logger)
	mgmt.Handle("/ws", opRouter)
	httpapi.NewProjectHandler(store, filter, logger).Register(mgmt)
	httpapi.NewHealthHandler().Register(mgmt)

	go mgmt.Start()
	Eventually(mgmt.Addr).ShouldNot(Equal("127.0.0.1:0"))

	conn, _, _, err := ws.Dial(context.Background(), "ws://"+mgmt.Addr()+"/ws")
	Expect(err).NotTo(HaveOccurred())

	return &testEnv{
		store: store, filter: filter, coord: coord, driver: driver,
		upstream: up, mgmt: mgmt, dir: dir, wsConn: conn,
	}
}

// close tears down every resource newEnv started. Safe to call at most
// once per testEnv.
func (e *testEnv) close() {
	e.wsConn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.mgmt.Shutdown(ctx)
	e.coord.Close()
	e.upstream.server.Close()
	os.RemoveAll(e.dir)
}

// baseURL is the management server's REST origin, e.g. "http://127.0.0.1:54321".
func (e *testEnv) baseURL() string {
	return "http://" + e.mgmt.Addr()
}

func (e *testEnv) startBrowser() {
	e.send(types.InboundCommand{Command: types.CmdStartBrowser, ID: "start-1"})
	ack := e.recvUntil(isAckFor(types.CmdStartBrowser))
	Expect(ack.Success).To(BeTrue())
}

func (e *testEnv) send(cmd types.InboundCommand) {
	payload, err := json.Marshal(cmd)
	Expect(err).NotTo(HaveOccurred())
	Expect(wsutil.WriteClientMessage(e.wsConn, ws.OpText, payload)).To(Succeed())
}

// recv reads the next operator-channel message, failing the spec if none
// arrives within a few seconds.
func (e *testEnv) recv() types.OutboundMessage {
	Expect(e.wsConn.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
	data, _, err := wsutil.ReadServerData(e.wsConn)
	Expect(err).NotTo(HaveOccurred())
	var msg types.OutboundMessage
	Expect(json.Unmarshal(data, &msg)).To(Succeed())
	return msg
}

// recvUntil drains messages until one matches, skipping interleaved
// capture/ack traffic belonging to other exchanges.
func (e *testEnv) recvUntil(match func(types.OutboundMessage) bool) types.OutboundMessage {
	for i := 0; i < 50; i++ {
		msg := e.recv()
		if match(msg) {
			return msg
		}
	}
	Fail("expected message never arrived on the operator channel")
	return types.OutboundMessage{}
}

// expectNoMessageWithin asserts nothing matching match arrives before
// timeout elapses - used to verify the Exclusion Filter hid an exchange
// from the operator entirely.
func (e *testEnv) expectNoMessageWithin(timeout time.Duration, match func(types.OutboundMessage) bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		Expect(e.wsConn.SetReadDeadline(deadline)).To(Succeed())
		data, _, err := wsutil.ReadServerData(e.wsConn)
		if err != nil {
			return
		}
		var msg types.OutboundMessage
		Expect(json.Unmarshal(data, &msg)).To(Succeed())
		Expect(match(msg)).To(BeFalse(), "unexpected message arrived: %+v", msg)
	}
}

// saveProject PUTs p to the REST surface, exercising the same
// round-trip-persistence path an operator's project-settings panel uses
// to push new exclusion/rewrite rules.
func (e *testEnv) saveProject(p types.Project) {
	body, err := json.Marshal(p)
	Expect(err).NotTo(HaveOccurred())
	req, err := http.NewRequest(http.MethodPut, e.baseURL()+"/api/projects/"+p.Name, bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
}

// loadProject GETs name from the REST surface.
func (e *testEnv) loadProject(name string) types.Project {
	resp, err := http.Get(e.baseURL() + "/api/projects/" + name)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var p types.Project
	Expect(json.NewDecoder(resp.Body).Decode(&p)).To(Succeed())
	return p
}

// purgeExcluded POSTs the retroactive-purge request and returns the
// number of history entries the Project Store reported removed.
func (e *testEnv) purgeExcluded(name string) int {
	resp, err := http.Post(e.baseURL()+"/api/projects/"+name+"/purge-excluded", "application/json", nil)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var body map[string]int
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return body["removed"]
}

func isAckFor(command string) func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgAck && m.Command == command
	}
}

func isCaptureRequestFor(id string) func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgCaptureRequest && asRequestData(m).ID == id
	}
}

func isCaptureRequestForURL(url string) func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgCaptureRequest && asRequestData(m).URL == url
	}
}

func isInterceptPromptRequest() func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgInterceptPromptReq
	}
}

func isInterceptPromptResponse() func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgInterceptPromptRes
	}
}

func isCaptureResponseFor(id string) func(types.OutboundMessage) bool {
	return func(m types.OutboundMessage) bool {
		return m.Type == types.MsgCaptureResponse && asResponseData(m).ReqID == id
	}
}

func asRequestData(msg types.OutboundMessage) types.RequestData {
	raw, err := json.Marshal(msg.Data)
	Expect(err).NotTo(HaveOccurred())
	var rd types.RequestData
	Expect(json.Unmarshal(raw, &rd)).To(Succeed())
	return rd
}

func asResponseData(msg types.OutboundMessage) types.ResponseData {
	raw, err := json.Marshal(msg.Data)
	Expect(err).NotTo(HaveOccurred())
	var rd types.ResponseData
	Expect(json.Unmarshal(raw, &rd)).To(Succeed())
	return rd
}

// recordedRequest is one request the fake upstream observed.
type recordedRequest struct {
	Method  string
	Path    string
	Header  http.Header
	Body    []byte
}

// upstream stands in for the real internet site a browser request would
// otherwise reach: a real net/http server the fake driver's resume
// tokens round-trip against, so scenario assertions ("upstream observes
// header X") exercise a genuine HTTP client/server round trip rather
// than a hand-rolled stub.
type upstream struct {
	server *httptest.Server

	mu       sync.Mutex
	received []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newUpstream() *upstream {
	u := &upstream{
		respond: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("upstream-ok"))
		},
	}
	u.server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.received = append(u.received, recordedRequest{
		Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body,
	})
	respond := u.respond
	u.mu.Unlock()

	respond(w, r)
}

// setResponse overrides the canned response every subsequent request
// receives, until reset by a further call.
func (u *upstream) setResponse(status int, body []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.respond = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.received)
}

func (u *upstream) last() recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	Expect(u.received).NotTo(BeEmpty(), "upstream never received a request")
	return u.received[len(u.received)-1]
}

// outcome is the terminal result of one exchange's round trip, as
// observed from the browser side: either a fulfilled response or an
// abort. Resolved exactly once, by whichever of the fake token's
// Fulfill/Abort methods the Coordinator (or the operator, via forward)
// ends up calling.
type outcome struct {
	mu       sync.Mutex
	resolved bool
	done     chan struct{}

	aborted bool
	status  int
	headers types.Headers
	body    []byte
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) resolve(status int, headers types.Headers, body []byte, aborted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolved {
		return
	}
	o.resolved = true
	o.status, o.headers, o.body, o.aborted = status, headers, body, aborted
	close(o.done)
}

// wait blocks until the outcome resolves or timeout elapses, returning
// whether it resolved in time.
func (o *outcome) wait(timeout time.Duration) bool {
	select {
	case <-o.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// fakeDriver implements coordinator.Driver without a real browser: issue
// simulates a browser-originated request the way the chromedp-backed
// driver's Fetch.requestPaused handler does, and every resume token it
// hands out performs a genuine HTTP round trip against the upstream
// fake, then re-enters the Coordinator with the response-phase pause -
// mirroring the real driver's two-phase pause/resume lifecycle.
type fakeDriver struct {
	upstream *upstream

	mu       sync.Mutex
	onPaused func(coordinator.PausedExchange)
}

func newFakeDriver(up *upstream) *fakeDriver {
	return &fakeDriver{upstream: up}
}

func (d *fakeDriver) Start(ctx context.Context, onPaused func(coordinator.PausedExchange)) error {
	d.mu.Lock()
	d.onPaused = onPaused
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.onPaused = nil
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) dispatch(pe coordinator.PausedExchange) {
	d.mu.Lock()
	onPaused := d.onPaused
	d.mu.Unlock()
	Expect(onPaused).NotTo(BeNil(), "issue called before start_browser was acknowledged")
	onPaused(pe)
}

// issue simulates the browser pausing a brand-new outbound request at
// path (resolved against the upstream fake's own origin, standing in
// for whatever absolute URL a real page would have requested).
func (d *fakeDriver) issue(method, path string, headers types.Headers, body []byte) *outcome {
	oc := newOutcome()
	tok := &fakeToken{
		driver: d, outcome: oc,
		method: method, url: d.upstream.server.URL + path, reqHeaders: headers, reqBody: body,
	}
	d.dispatch(coordinator.PausedExchange{
		Phase: coordinator.PhaseRequest, Method: method, URL: tok.url, Headers: headers, Body: body,
		Token: tok,
	})
	return oc
}

// fakeToken is a single coordinator.ResumeToken covering both the
// request and response pause of one exchange, the way the real
// chromedp-backed resumeToken (keyed on a CDP requestID rather than a
// phase) does.
type fakeToken struct {
	driver     *fakeDriver
	outcome    *outcome
	exchangeID string

	method     string
	url        string
	reqHeaders types.Headers
	reqBody    []byte
}

func (t *fakeToken) Tag(exchangeID string) {
	t.exchangeID = exchangeID
}

// Continue resolves the request-phase pause: it performs the real
// upstream round trip with whichever edit fields are non-nil applied,
// then re-enters the Coordinator with the response-phase pause.
func (t *fakeToken) Continue(ctx context.Context, edit types.ModifiedExchange) error {
	method, headers, body := t.method, t.reqHeaders, t.reqBody
	if edit.Method != nil {
		method = *edit.Method
	}
	if edit.Headers != nil {
		headers = *edit.Headers
	}
	if edit.Body != nil {
		body = edit.Body
	}

	req, err := http.NewRequestWithContext(ctx, method, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	t.driver.dispatch(coordinator.PausedExchange{
		Phase: coordinator.PhaseResponse, ExchangeID: t.exchangeID,
		Status: resp.StatusCode, Headers: headersFromHTTP(resp.Header), Body: respBody,
		Token: t,
	})
	return nil
}

// Fulfill resolves the response-phase pause with a full response,
// completing the exchange as observed from the browser side.
func (t *fakeToken) Fulfill(ctx context.Context, edit types.ModifiedExchange) error {
	status := 0
	if edit.Status != nil {
		status = *edit.Status
	}
	var headers types.Headers
	if edit.Headers != nil {
		headers = *edit.Headers
	}
	t.outcome.resolve(status, headers, edit.Body, false)
	return nil
}

// Abort fails the paused exchange, the way a dropped or janitor-swept
// suspension does.
func (t *fakeToken) Abort(ctx context.Context) error {
	t.outcome.resolve(0, nil, nil, true)
	return nil
}

func headersFromHTTP(h http.Header) types.Headers {
	out := make(types.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, types.Header{Name: name, Value: v})
		}
	}
	return out
}
