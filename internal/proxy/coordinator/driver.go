package coordinator

import (
	"context"

	"github.com/relaywire/proxycore/pkg/types"
)

// Phase discriminates the points at which the browser driver reports on
// an exchange: paused before the request goes out, paused before the
// response reaches the browser, or failed at the browser level before
// any response-stage pause could fire (DNS, connection refused, TLS).
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
	PhaseFailed
)

// ResumeToken is the opaque handle a paused exchange carries. It is the
// sole owner of the underlying browser-side pause; invoking Continue,
// Fulfill, or Abort releases it exactly once.
//
// Tag associates this token (and whatever network-level identifier the
// driver correlates internally) with the Coordinator's exchange id, so
// that the later response-phase pause for the same underlying request
// arrives with ExchangeID already populated.
type ResumeToken interface {
	Tag(exchangeID string)
	Continue(ctx context.Context, edit types.ModifiedExchange) error
	Fulfill(ctx context.Context, edit types.ModifiedExchange) error
	Abort(ctx context.Context) error
}

// PausedExchange is a single pause event delivered by the browser driver.
type PausedExchange struct {
	Phase        Phase
	ExchangeID   string // populated by the driver on PhaseResponse via a prior Tag call; empty on PhaseRequest
	Method       string
	URL          string
	Headers      types.Headers
	Body         []byte
	ResourceType string
	Status       int    // only meaningful on PhaseResponse
	Error        string // only meaningful on PhaseFailed; Token is nil there
	Token        ResumeToken
}

// Driver is the contract the Interception Coordinator depends on; the
// chromedp-backed implementation lives in internal/proxy/browserdriver,
// and a fake satisfying this interface backs the acceptance suite.
type Driver interface {
	Start(ctx context.Context, onPaused func(PausedExchange)) error
	Stop(ctx context.Context) error
}
