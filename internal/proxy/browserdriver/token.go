package browserdriver

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/relaywire/proxycore/pkg/types"
)

// resumeToken is the Browser Driver's coordinator.ResumeToken
// implementation: one per paused fetch event, wrapping the CDP
// request id and the executor context bound to the target that raised it.
type resumeToken struct {
	driver      *Driver
	requestID   fetch.RequestID
	networkKey  string
	ctxExecutor context.Context
}

// Tag records the Coordinator-assigned exchange id against this token's
// network correlation key, so a later response-stage pause for the same
// logical exchange can be reported with the same id.
func (t *resumeToken) Tag(exchangeID string) {
	t.driver.mu.Lock()
	t.driver.correlation[t.networkKey] = exchangeID
	t.driver.mu.Unlock()
}

// Continue resumes a request-stage pause, applying whichever fields of
// edit are non-nil. A zero-value edit continues the request unmodified.
func (t *resumeToken) Continue(ctx context.Context, edit types.ModifiedExchange) error {
	action := fetch.ContinueRequest(t.requestID)
	if edit.Method != nil {
		action = action.WithMethod(*edit.Method)
	}
	if edit.Headers != nil {
		action = action.WithHeaders(toHeaderEntries(*edit.Headers))
	}
	if edit.Body != nil {
		action = action.WithPostData(base64.StdEncoding.EncodeToString(edit.Body))
	}
	return action.Do(t.ctxExecutor)
}

// Fulfill resumes a response-stage pause with a full response, applying
// whichever fields of edit are non-nil on top of the values the
// Coordinator already merged into the provided ModifiedExchange. The
// Coordinator always supplies a fully populated edit here (status,
// headers, and body), since it tracks the response snapshot itself.
func (t *resumeToken) Fulfill(ctx context.Context, edit types.ModifiedExchange) error {
	status := http.StatusOK
	if edit.Status != nil {
		status = *edit.Status
	}
	var headers []*fetch.HeaderEntry
	if edit.Headers != nil {
		headers = toHeaderEntries(*edit.Headers)
	}
	action := fetch.FulfillRequest(t.requestID, int64(status)).
		WithResponseHeaders(headers).
		WithBody(base64.StdEncoding.EncodeToString(edit.Body))
	t.forget()
	return action.Do(t.ctxExecutor)
}

// Abort fails the paused exchange, the way the Coordinator drops a
// suspended exchange or the janitor sweeps a stale one.
func (t *resumeToken) Abort(ctx context.Context) error {
	t.forget()
	return fetch.FailRequest(t.requestID, network.ErrorReasonAborted).Do(t.ctxExecutor)
}

// forget drops this token's correlation entry. Fulfill and Abort are
// terminal for an exchange; without this the map would grow for the
// whole browser session.
func (t *resumeToken) forget() {
	t.driver.mu.Lock()
	delete(t.driver.correlation, t.networkKey)
	t.driver.mu.Unlock()
}

func toHeaderEntries(headers types.Headers) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		entries = append(entries, &fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return entries
}
