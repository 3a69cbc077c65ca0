package intercept_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaywire/proxycore/pkg/types"
)

var _ = Describe("Invariants", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newEnv()
		env.startBrowser()
	})

	AfterEach(func() {
		env.close()
	})

	It("sequence monotonicity: seq strictly increases across captures in emission order", func() {
		env.driver.issue("GET", "/a", nil, nil)
		env.driver.issue("GET", "/b", nil, nil)
		env.driver.issue("GET", "/c", nil, nil)

		var lastSeq int64 = -1
		seen := 0
		for seen < 3 {
			msg := env.recv()
			if msg.Type != types.MsgCaptureRequest {
				continue
			}
			seq := asRequestData(msg).Seq
			Expect(seq).To(BeNumerically(">", lastSeq))
			lastSeq = seq
			seen++
		}
	})

	It("correlation: every capture_response carries a req_id matching a prior capture_request.id", func() {
		seenIDs := map[string]bool{}

		env.driver.issue("GET", "/corr-a", nil, nil)
		env.driver.issue("GET", "/corr-b", nil, nil)

		capturedRequests, capturedResponses := 0, 0
		for capturedRequests < 2 || capturedResponses < 2 {
			msg := env.recv()
			switch msg.Type {
			case types.MsgCaptureRequest:
				seenIDs[asRequestData(msg).ID] = true
				capturedRequests++
			case types.MsgCaptureResponse:
				Expect(seenIDs).To(HaveKey(asResponseData(msg).ReqID))
				capturedResponses++
			}
		}
	})

	It("idempotence: forward(id) twice has the same observable effect as once, and forward after drop is a no-op", func() {
		env.send(types.InboundCommand{Command: types.CmdSetIntercept, ID: "si-1", Enabled: boolPtr(true)})
		Expect(env.recvUntil(isAckFor(types.CmdSetIntercept)).Success).To(BeTrue())

		oc := env.driver.issue("GET", "/idem", nil, nil)
		id := asRequestData(env.recvUntil(isInterceptPromptRequest())).ID

		env.send(types.InboundCommand{Command: types.CmdForward, ID: id})
		Expect(env.recvUntil(isAckFor(types.CmdForward)).Success).To(BeTrue())
		Expect(oc.wait(2 * time.Second)).To(BeTrue())
		Expect(env.upstream.count()).To(Equal(1))

		// A second forward of the same (now-resolved) id is a no-op: no
		// second upstream request, no error.
		env.send(types.InboundCommand{Command: types.CmdForward, ID: id})
		Expect(env.recvUntil(isAckFor(types.CmdForward)).Success).To(BeTrue())
		Consistently(env.upstream.count, 150*time.Millisecond).Should(Equal(1))

		// forward after drop: drop a second, independent exchange, then
		// forward it - also a no-op.
		oc2 := env.driver.issue("GET", "/idem2", nil, nil)
		id2 := asRequestData(env.recvUntil(isInterceptPromptRequest())).ID
		env.send(types.InboundCommand{Command: types.CmdDrop, ID: id2})
		Expect(env.recvUntil(isAckFor(types.CmdDrop)).Success).To(BeTrue())
		Expect(oc2.wait(2 * time.Second)).To(BeTrue())
		Expect(oc2.aborted).To(BeTrue())

		env.send(types.InboundCommand{Command: types.CmdForward, ID: id2})
		Expect(env.recvUntil(isAckFor(types.CmdForward)).Success).To(BeTrue())
		Consistently(env.upstream.count, 150*time.Millisecond).Should(Equal(1), "dropped exchange must never reach upstream even after a stray forward")
	})

	It("rewrite ordering: the lower-indexed rule's output feeds the higher-indexed rule", func() {
		p := env.loadProject("acceptance")
		p.MatchReplaceRules = []types.MatchReplaceRule{
			{ID: "r1", Enabled: true, Scope: types.ScopeRequestHeader, Match: "A", Replacement: "B"},
			{ID: "r2", Enabled: true, Scope: types.ScopeRequestHeader, Match: "B", Replacement: "C"},
		}
		env.saveProject(p)

		oc := env.driver.issue("GET", "/order", types.Headers{{Name: "X-Tag", Value: "A"}}, nil)
		Expect(oc.wait(2 * time.Second)).To(BeTrue())

		Expect(env.upstream.last().Header.Get("X-Tag")).To(Equal("C"), "rule r1 (A->B) must run before r2 (B->C) for the composed result to be C")
	})

	It("exclusion retroactive purge: adding a matching rule and purging removes every now-matching history entry, keeps the rest", func() {
		env.driver.issue("GET", "/keep", nil, nil)
		env.driver.issue("GET", "/purge-me", nil, nil)
		env.driver.issue("GET", "/purge-me", nil, nil)

		Eventually(func() int { return len(env.store.Exchanges()) }).Should(Equal(3))

		p := env.loadProject("acceptance")
		p.ExclusionRules = []types.ExclusionRule{{ID: "r1", Kind: types.ExclusionURL, Pattern: "/purge-me"}}
		env.saveProject(p)

		removed := env.purgeExcluded("acceptance")
		Expect(removed).To(Equal(2))

		remaining := env.store.Exchanges()
		Expect(remaining).To(HaveLen(1))
		for _, ex := range remaining {
			Expect(ex.URL).NotTo(ContainSubstring("/purge-me"))
		}
	})

	It("round-trip persistence: save then load yields a structure deep-equal modulo lastModified", func() {
		p := env.loadProject("acceptance")
		p.ExclusionRules = []types.ExclusionRule{{ID: "r1", Kind: types.ExclusionDomain, Pattern: "ads.example.com"}}
		p.MatchReplaceRules = []types.MatchReplaceRule{
			{ID: "r2", Enabled: true, Scope: types.ScopeResponseBody, Match: "x", Replacement: "y"},
		}
		p.HideStatic = true
		p.HistoryFilter = "status:200"
		env.saveProject(p)

		loaded := env.loadProject("acceptance")
		Expect(loaded.Name).To(Equal(p.Name))
		Expect(loaded.ExclusionRules).To(Equal(p.ExclusionRules))
		Expect(loaded.MatchReplaceRules).To(Equal(p.MatchReplaceRules))
		Expect(loaded.HideStatic).To(Equal(p.HideStatic))
		Expect(loaded.HistoryFilter).To(Equal(p.HistoryFilter))
		Expect(loaded.Created).To(Equal(p.Created))
	})

	It("disconnect safety: closing the operator channel with K suspended exchanges forwards all K within the grace period", func() {
		env.send(types.InboundCommand{Command: types.CmdSetIntercept, ID: "si-1", Enabled: boolPtr(true)})
		Expect(env.recvUntil(isAckFor(types.CmdSetIntercept)).Success).To(BeTrue())

		const k = 3
		outcomes := make([]*outcome, 0, k)
		for i := 0; i < k; i++ {
			outcomes = append(outcomes, env.driver.issue("GET", "/suspended", nil, nil))
		}
		for i := 0; i < k; i++ {
			env.recvUntil(isInterceptPromptRequest())
		}

		// Simulate the operator vanishing without issuing forward/drop.
		env.wsConn.Close()

		for _, oc := range outcomes {
			Expect(oc.wait(2 * time.Second)).To(BeTrue())
			Expect(oc.aborted).To(BeFalse())
		}
		Eventually(env.upstream.count).Should(Equal(k))
	})
})
