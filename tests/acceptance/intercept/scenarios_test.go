package intercept_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/proxycore/pkg/types"
)

// These specs drive the real Coordinator/Router/Project Store stack over
// the actual WS/HTTP wire protocol. The Coordinator's own unit tests already cover these
// semantics directly; these specs exist to prove the wire protocol and
// REST surface carry them correctly end-to-end.
var _ = Describe("End-to-end interception scenarios", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newEnv()
		env.startBrowser()
	})

	AfterEach(func() {
		env.close()
	})

	It("plain capture: intercept off, one capture_request and one matching capture_response", func() {
		oc := env.driver.issue("GET", "/x", nil, nil)

		captureReq := env.recvUntil(isCaptureRequestForURL(env.upstream.server.URL + "/x"))
		Expect(captureReq.Type).To(Equal(types.MsgCaptureRequest))
		data := asRequestData(captureReq)
		Expect(data.Seq).To(Equal(int64(1)))
		Expect(data.Pending).To(BeFalse())

		Expect(oc.wait(2 * time.Second)).To(BeTrue(), "exchange never completed")
		Expect(oc.aborted).To(BeFalse())
		Expect(oc.status).To(Equal(200))

		captureRes := env.recvUntil(isCaptureResponseFor(data.ID))
		Expect(asResponseData(captureRes).Status).To(Equal(200))
	})

	It("edit-and-forward: operator rewrites the request body before it reaches upstream", func() {
		env.send(types.InboundCommand{Command: types.CmdSetIntercept, ID: "si-1", Enabled: boolPtr(true)})
		Expect(env.recvUntil(isAckFor(types.CmdSetIntercept)).Success).To(BeTrue())

		oc := env.driver.issue("POST", "/login", types.Headers{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}}, []byte("u=a&p=b"))

		prompt := env.recvUntil(isInterceptPromptRequest())
		id := asRequestData(prompt).ID

		edited := "u=a&p=X"
		env.send(types.InboundCommand{
			Command: types.CmdForward, ID: id,
			Modified: &types.ModifiedExchange{Body: []byte(edited)},
		})
		Expect(env.recvUntil(isAckFor(types.CmdForward)).Success).To(BeTrue())

		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(oc.aborted).To(BeFalse())
		Expect(oc.status).To(Equal(200))

		Expect(string(env.upstream.last().Body)).To(Equal(edited))
	})

	It("drop: operator drops a suspended request before it reaches upstream", func() {
		env.send(types.InboundCommand{Command: types.CmdSetIntercept, ID: "si-1", Enabled: boolPtr(true)})
		Expect(env.recvUntil(isAckFor(types.CmdSetIntercept)).Success).To(BeTrue())

		oc := env.driver.issue("GET", "/track", nil, nil)

		prompt := env.recvUntil(isInterceptPromptRequest())
		id := asRequestData(prompt).ID

		env.send(types.InboundCommand{Command: types.CmdDrop, ID: id})
		Expect(env.recvUntil(isAckFor(types.CmdDrop)).Success).To(BeTrue())

		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(oc.aborted).To(BeTrue())

		Expect(env.upstream.count()).To(Equal(0), "a dropped request must never reach upstream")
		env.expectNoMessageWithin(150*time.Millisecond, isCaptureResponseFor(id))
	})

	It("response interception: operator edits the status code before the browser sees it", func() {
		env.send(types.InboundCommand{Command: types.CmdSetIntercept, ID: "si-1", Enabled: boolPtr(true)})
		Expect(env.recvUntil(isAckFor(types.CmdSetIntercept)).Success).To(BeTrue())

		oc := env.driver.issue("GET", "/status", nil, nil)

		prompt := env.recvUntil(isInterceptPromptRequest())
		id := asRequestData(prompt).ID

		env.send(types.InboundCommand{
			Command: types.CmdForward, ID: id,
			InterceptResponse: boolPtr(true),
		})
		// The forward is acked only after the resumed request's upstream
		// round trip, so the response-phase prompt may arrive before the ack.
		var resPrompt types.OutboundMessage
		ackSeen, promptSeen := false, false
		for !ackSeen || !promptSeen {
			msg := env.recv()
			switch {
			case isAckFor(types.CmdForward)(msg):
				Expect(msg.Success).To(BeTrue())
				ackSeen = true
			case isInterceptPromptResponse()(msg):
				resPrompt = msg
				promptSeen = true
			}
		}
		Expect(asResponseData(resPrompt).Status).To(Equal(200))

		newStatus := 500
		env.send(types.InboundCommand{
			Command: types.CmdForward, ID: id,
			Modified: &types.ModifiedExchange{Status: &newStatus},
		})
		Expect(env.recvUntil(isAckFor(types.CmdForward)).Success).To(BeTrue())

		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(oc.aborted).To(BeFalse())
		Expect(oc.status).To(Equal(500))
	})

	It("match-and-replace header: an enabled regex rule rewrites the User-Agent upstream sees", func() {
		p := env.loadProject("acceptance")
		p.MatchReplaceRules = []types.MatchReplaceRule{
			{ID: "r1", Enabled: true, Scope: types.ScopeRequestHeader, Match: "User-Agent: .*", Replacement: "User-Agent: X", IsRegex: true},
		}
		env.saveProject(p)

		oc := env.driver.issue("GET", "/ua", types.Headers{{Name: "User-Agent", Value: "OriginalAgent/1.0"}}, nil)

		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(oc.aborted).To(BeFalse())

		last := env.upstream.last()
		Expect(last.Header.Values("User-Agent")).To(Equal([]string{"X"}), "header count must stay the same, only the value changes")
	})

	It("two rules compose: response body foo -> bar -> baz across two ordered rules", func() {
		p := env.loadProject("acceptance")
		p.MatchReplaceRules = []types.MatchReplaceRule{
			{ID: "r1", Enabled: true, Scope: types.ScopeResponseBody, Match: "foo", Replacement: "bar"},
			{ID: "r2", Enabled: true, Scope: types.ScopeResponseBody, Match: "bar", Replacement: "baz"},
		}
		env.saveProject(p)
		env.upstream.setResponse(200, []byte("foo"))

		oc := env.driver.issue("GET", "/compose", nil, nil)

		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(oc.aborted).To(BeFalse())
		Expect(string(oc.body)).To(Equal("baz"))
	})
})

func boolPtr(b bool) *bool { return &b }
