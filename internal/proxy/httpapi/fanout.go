package httpapi

import "github.com/relaywire/proxycore/pkg/types"

// Emitter is the coordinator.Router shape. Both router.Router and
// project.Store implement it.
type Emitter interface {
	EmitCaptureRequest(data types.RequestData)
	EmitCaptureResponse(data types.ResponseData)
	EmitInterceptPromptRequest(data types.RequestData)
	EmitInterceptPromptResponse(data types.ResponseData)
	EmitDegradedMode()
}

// FanoutRouter satisfies coordinator.Router by forwarding every event to
// both the operator's websocket connection and the active project's
// capture log.
type FanoutRouter struct {
	operator Emitter
	project  Emitter
}

// NewFanoutRouter constructs a FanoutRouter over the operator channel and
// the project store.
func NewFanoutRouter(operator, project Emitter) *FanoutRouter {
	return &FanoutRouter{operator: operator, project: project}
}

func (f *FanoutRouter) EmitCaptureRequest(data types.RequestData) {
	f.operator.EmitCaptureRequest(data)
	f.project.EmitCaptureRequest(data)
}

func (f *FanoutRouter) EmitCaptureResponse(data types.ResponseData) {
	f.operator.EmitCaptureResponse(data)
	f.project.EmitCaptureResponse(data)
}

func (f *FanoutRouter) EmitInterceptPromptRequest(data types.RequestData) {
	f.operator.EmitInterceptPromptRequest(data)
	f.project.EmitInterceptPromptRequest(data)
}

func (f *FanoutRouter) EmitInterceptPromptResponse(data types.ResponseData) {
	f.operator.EmitInterceptPromptResponse(data)
	f.project.EmitInterceptPromptResponse(data)
}

func (f *FanoutRouter) EmitDegradedMode() {
	f.operator.EmitDegradedMode()
	f.project.EmitDegradedMode()
}
