package coordinator

import "github.com/relaywire/proxycore/pkg/types"

// Router is the Coordinator's outbound dependency: the Operator Channel
// & Event Router (internal/proxy/router) implements this by framing and
// enqueueing each message onto the bounded per-connection send queue.
type Router interface {
	EmitCaptureRequest(data types.RequestData)
	EmitCaptureResponse(data types.ResponseData)
	EmitInterceptPromptRequest(data types.RequestData)
	EmitInterceptPromptResponse(data types.ResponseData)
	EmitDegradedMode()
}

// RuleSource supplies the read-mostly rule snapshots the Coordinator
// consults on every capture. Implementations (the project store) clone
// and replace on write rather than mutate in place, so a snapshot
// returned here is safe to use for the duration of one rewrite pass
// without locking.
type RuleSource interface {
	ExclusionRules() []types.ExclusionRule
	RewriteRules() []types.MatchReplaceRule
}
