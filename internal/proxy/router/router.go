// Package router implements the Operator Channel & Event Router: the
// full-duplex message stream between this process and the operator's
// client. Outbound framing, the bounded send queue, and connection I/O
// are built directly on gobwas/ws rather than a higher-level websocket
// framework, with one reader goroutine and one writer goroutine per
// connection.
package router

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/relaywire/proxycore/pkg/types"
)

// Handler dispatches an inbound operator command. Implementations
// process commands concurrently across independent exchanges; the
// router itself only guarantees outbound ordering, never serialises
// inbound handling.
type Handler interface {
	HandleCommand(ctx context.Context, cmd types.InboundCommand)
}

// Releaser is the narrow slice of the Coordinator's contract the router
// needs to auto-forward an exchange whose prompt could not be delivered
// because the outbound queue was saturated with undeliverable prompts.
type Releaser interface {
	Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error
}

// Observer receives the router's backpressure signals
// (internal/proxy/metrics.Collector implements it).
type Observer interface {
	SetRouterQueueDepth(depth int)
	RecordRouterShed(kind string)
}

// Router accepts the single operator connection (a new connection
// replaces any prior one) and serves as the Coordinator's outbound
// dependency.
type Router struct {
	logger     *zap.Logger
	queueDepth int
	handler    Handler
	releaser   Releaser
	obs        Observer

	onDisconnect func()
	onConnect    func()

	mu   chan struct{} // binary semaphore guarding conn swap
	conn *connection
}

// New constructs a Router. onConnect/onDisconnect, if non-nil, let the
// caller (the Coordinator) drive degraded-mode transitions.
func New(queueDepth int, logger *zap.Logger, handler Handler, releaser Releaser, onConnect, onDisconnect func()) *Router {
	return &Router{
		logger:       logger,
		queueDepth:   queueDepth,
		handler:      handler,
		releaser:     releaser,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		mu:           make(chan struct{}, 1),
	}
}

// ServeHTTP upgrades the request to a websocket connection and becomes
// the operator's active connection, replacing any previous one.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(req, w)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	r.adopt(conn)
}

// SetObserver attaches obs as the destination for queue-depth and shed
// signals. Must be called before the router accepts its first
// connection.
func (r *Router) SetObserver(obs Observer) {
	r.obs = obs
}

func (r *Router) adopt(netConn net.Conn) {
	c := newConnection(netConn, r.queueDepth)
	if r.obs != nil {
		c.queue.onShed = r.obs.RecordRouterShed
	}

	r.mu <- struct{}{}
	prev := r.conn
	r.conn = c
	<-r.mu

	if prev != nil {
		prev.close()
	}

	if r.onConnect != nil {
		r.onConnect()
	}

	go r.writeLoop(c)
	go r.readLoop(c)
}

func (r *Router) writeLoop(c *connection) {
	for {
		msg, ok := c.queue.pop()
		if !ok {
			return
		}
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg.data); err != nil {
			r.logger.Debug("websocket write failed, closing connection", zap.Error(err))
			c.close()
			r.onConnDown(c)
			return
		}
	}
}

func (r *Router) readLoop(c *connection) {
	defer func() {
		c.close()
		r.onConnDown(c)
	}()

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		var cmd types.InboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			r.logger.Warn("malformed inbound command, ignoring", zap.Error(err))
			continue
		}

		go r.handler.HandleCommand(context.Background(), cmd)
	}
}

// onConnDown fires onDisconnect exactly once per connection, only if
// this connection is still the active one (a newer connection having
// already replaced it should not re-trigger degraded mode).
func (r *Router) onConnDown(c *connection) {
	r.mu <- struct{}{}
	active := r.conn == c
	<-r.mu
	if active && r.onDisconnect != nil {
		r.onDisconnect()
	}
}

func (r *Router) emit(msg queuedMsg) {
	r.mu <- struct{}{}
	c := r.conn
	<-r.mu
	if c == nil {
		return
	}
	evicted := c.queue.push(msg)
	if evicted != "" {
		// An undeliverable prompt is auto-forwarded unedited, and the
		// degraded-mode notification is raised so the operator learns
		// decisions are being made without them. The notification is
		// queued prompt-class so the event-shedding policy it reports on
		// cannot itself discard it; if that push evicts a second prompt,
		// that one is auto-forwarded too, and the notification already
		// in the queue covers both.
		r.autoForward(evicted)
		if payload := r.marshal(types.OutboundMessage{Type: types.MsgDegradedMode}); payload != nil {
			if again := c.queue.push(queuedMsg{data: payload, prompt: true}); again != "" {
				r.autoForward(again)
			}
		}
	}
	if r.obs != nil {
		r.obs.SetRouterQueueDepth(c.queue.depth())
	}
}

func (r *Router) autoForward(id string) {
	if r.releaser == nil {
		return
	}
	go func() {
		_ = r.releaser.Forward(context.Background(), id, nil, nil)
	}()
}

func (r *Router) marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to marshal outbound message", zap.Error(err))
		return nil
	}
	return data
}

// EmitCaptureRequest implements coordinator.Router.
func (r *Router) EmitCaptureRequest(data types.RequestData) {
	payload := r.marshal(types.OutboundMessage{Type: types.MsgCaptureRequest, Data: data})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload, exchangeID: data.ID})
}

// EmitCaptureResponse implements coordinator.Router.
func (r *Router) EmitCaptureResponse(data types.ResponseData) {
	payload := r.marshal(types.OutboundMessage{Type: types.MsgCaptureResponse, Data: data})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload, exchangeID: data.ReqID})
}

// EmitInterceptPromptRequest implements coordinator.Router.
func (r *Router) EmitInterceptPromptRequest(data types.RequestData) {
	payload := r.marshal(types.OutboundMessage{Type: types.MsgInterceptPromptReq, Data: data})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload, prompt: true, exchangeID: data.ID})
}

// EmitInterceptPromptResponse implements coordinator.Router.
func (r *Router) EmitInterceptPromptResponse(data types.ResponseData) {
	payload := r.marshal(types.OutboundMessage{Type: types.MsgInterceptPromptRes, Data: data})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload, prompt: true, exchangeID: data.ReqID})
}

// EmitDegradedMode implements coordinator.Router.
func (r *Router) EmitDegradedMode() {
	payload := r.marshal(types.OutboundMessage{Type: types.MsgDegradedMode})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload})
}

// EmitReplayResponse sends a replay_response event. It is queued as a
// non-prompt event (replay never suspends), so under backpressure it is
// shed like a capture event.
func (r *Router) EmitReplayResponse(msg types.OutboundMessage) {
	msg.Type = types.MsgReplayResponse
	payload := r.marshal(msg)
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload})
}

// EmitAck sends an ack for a processed command.
func (r *Router) EmitAck(command, id string, success bool, errMsg string) {
	payload := r.marshal(types.OutboundMessage{
		Type: types.MsgAck, Command: command, ID: id, Success: success, Error: errMsg,
	})
	if payload == nil {
		return
	}
	r.emit(queuedMsg{data: payload})
}
