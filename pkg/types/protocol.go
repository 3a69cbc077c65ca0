package types

// Outbound message type discriminants.
const (
	MsgCaptureRequest        = "capture_request"
	MsgCaptureResponse       = "capture_response"
	MsgInterceptPromptReq    = "intercept_prompt_request"
	MsgInterceptPromptRes    = "intercept_prompt_response"
	MsgReplayResponse        = "replay_response"
	MsgAck                   = "ack"
	MsgDegradedMode          = "degraded_mode"
)

// Inbound command discriminants.
const (
	CmdStartBrowser         = "start_browser"
	CmdStopBrowser          = "stop_browser"
	CmdSetIntercept         = "set_intercept"
	CmdForward              = "forward"
	CmdDrop                 = "drop"
	CmdReplay               = "replay"
	CmdReplayCancel         = "replay_cancel"
	CmdToggleInterceptResp  = "toggle_intercept_response"
)

// RequestData is the `data` payload of capture_request / intercept_prompt_request.
type RequestData struct {
	Type         string    `json:"type"` // always "request"
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Headers      Headers   `json:"headers"`
	Body         []byte    `json:"body"`
	ResourceType string    `json:"resourceType,omitempty"`
	Timestamp    int64     `json:"timestamp"`
	Pending      bool      `json:"pending"`
}

// ResponseData is the `data` payload of capture_response / intercept_prompt_response.
type ResponseData struct {
	Type    string  `json:"type"` // always "response"
	ReqID   string  `json:"req_id"`
	URL     string  `json:"url"`
	Status  int     `json:"status"`
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body"`
	Pending bool    `json:"pending"`
	Error   string  `json:"error,omitempty"`
}

// OutboundMessage wraps either a RequestData or ResponseData under `data`,
// plus the standalone ack/replay/degraded message shapes.
type OutboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`

	// ack fields
	Command string `json:"command,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`

	// replay_response fields
	TabID      string  `json:"tabId,omitempty"`
	Status     int     `json:"status,omitempty"`
	Headers    Headers `json:"headers,omitempty"`
	Body       []byte  `json:"body,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
}

// ModifiedExchange is the operator's edit payload on a `forward` command.
type ModifiedExchange struct {
	Method  *string  `json:"method,omitempty"`
	Headers *Headers `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
	Status  *int     `json:"status,omitempty"`
}

// InboundCommand is the generic envelope for every operator-issued command.
type InboundCommand struct {
	Command           string            `json:"command"`
	ID                string            `json:"id,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	Modified          *ModifiedExchange `json:"modified,omitempty"`
	InterceptResponse *bool             `json:"interceptResponse,omitempty"`
	TabID             string            `json:"tabId,omitempty"`
	RawRequest        string            `json:"rawRequest,omitempty"`
}
