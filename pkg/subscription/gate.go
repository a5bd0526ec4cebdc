package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/langhook-io/langhook/pkg/canonical"
	"github.com/langhook-io/langhook/pkg/llmclient"
)

// GateMetricsSink records the estimated per-subscription LLM cost every
// gate evaluation incurs (§4.5, SPEC_FULL.md §10.3). Kept as a small
// local interface for the same reason canonicalizer.MetricsSink is: this
// package has no business importing the metrics collection machinery
// itself. Evaluate reports usage only after a completed LLM call (not on
// failover paths), and passes the provider's Name() as the model argument.
type GateMetricsSink interface {
	ObserveGateTokens(subscriptionID, model string, tokens int)
}

type noopGateMetrics struct{}

func (noopGateMetrics) ObserveGateTokens(string, string, int) {}

// GateDecision is the evaluator's output (§4.5): whether the event should
// be delivered, and a human-readable reason recorded alongside it.
type GateDecision struct {
	Decision bool
	Reason   string
}

const gateSystemPrompt = `You evaluate whether a single event satisfies a subscriber's condition. Respond with ONLY JSON: {"decision": true|false, "reason": "short explanation"}. No markdown fences, no prose outside the JSON object.`

// Gate evaluates a per-subscription natural-language gate prompt against
// one canonical event, using the LLM as the decision procedure (§4.5).
type Gate struct {
	llm     llmclient.Provider
	metrics GateMetricsSink
}

type GateOption func(*Gate)

func WithGateMetrics(m GateMetricsSink) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(llm llmclient.Provider, opts ...GateOption) *Gate {
	g := &Gate{llm: llm, metrics: noopGateMetrics{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the gate prompt against evt for subscriptionID. When the
// LLM is unavailable or the call errors it applies the subscription's
// failover policy: failOpen lets the event through with a reason explaining
// why, otherwise it is held back (§4.5: "fail_open / fail_closed failover
// policy per subscription"). A response that cannot be parsed is not a
// failover case: it yields Decision false with reason "parse failure".
func (g *Gate) Evaluate(ctx context.Context, subscriptionID, gatePrompt string, evt *canonical.Event, failOpen bool) GateDecision {
	model := ""
	if g.llm != nil {
		model = g.llm.Name()
	}

	if g.llm == nil {
		return g.failover(failOpen, "gate evaluator has no LLM configured")
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return g.failover(failOpen, "failed to marshal event for gate evaluation: "+err.Error())
	}

	resp, err := g.llm.Complete(ctx, &llmclient.Request{
		Messages: []llmclient.Message{
			{Role: "system", Content: gateSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("condition: %s\nevent: %s", gatePrompt, payload)},
		},
	})
	if err != nil {
		return g.failover(failOpen, "gate LLM call failed: "+err.Error())
	}

	g.metrics.ObserveGateTokens(subscriptionID, model, resp.Usage.TotalTokens)

	decision, ok := parseGateResponse(resp.Content)
	if !ok {
		return GateDecision{Decision: false, Reason: "parse failure"}
	}
	return decision
}

func (g *Gate) failover(failOpen bool, reason string) GateDecision {
	if failOpen {
		return GateDecision{Decision: true, Reason: "fail-open: " + reason}
	}
	return GateDecision{Decision: false, Reason: "fail-closed: " + reason}
}

// parseGateResponse tolerantly extracts {decision, reason} from raw
// model output: plain JSON, a fenced ``` or ```json block, or a JSON
// object embedded in surrounding prose (§4.5).
func parseGateResponse(content string) (GateDecision, bool) {
	candidate := stripFences(content)
	candidate = largestJSONObject(candidate)

	var parsed struct {
		Decision bool   `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return GateDecision{}, false
	}
	if parsed.Reason == "" {
		parsed.Reason = strings.TrimSpace(candidate)
	}
	return GateDecision{Decision: parsed.Decision, Reason: parsed.Reason}, true
}
