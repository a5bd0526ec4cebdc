// Package canonicalizer implements the core pipeline stage: given a raw
// event, find or synthesise a transform, validate its output against the
// canonical event shape, and publish the result — or a mapping-failure
// record if no valid transform can be produced (§4.3).
package canonicalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/langhook-io/langhook/pkg/canonical"
	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/fingerprint"
	"github.com/langhook-io/langhook/pkg/ingest"
	"github.com/langhook-io/langhook/pkg/llmclient"
	"github.com/langhook-io/langhook/pkg/mapping"
	"github.com/langhook-io/langhook/pkg/schemaregistry"
	"github.com/langhook-io/langhook/pkg/storeerr"
	"github.com/langhook-io/langhook/pkg/stream"
	"github.com/langhook-io/langhook/pkg/transform"
)

// MetricsSink records the mapping-failure counter (SPEC_FULL.md §4 Domain
// stack table, Metrics row). Implemented by pkg/metrics; left as a small
// interface here so this package does not import metrics collection
// machinery it otherwise has no use for.
type MetricsSink interface {
	IncMappingFailure(source, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncMappingFailure(string, string) {}

// Canonicalizer wires together the fingerprint cache, the transform
// engine, the LLM synthesiser, the schema registry, the event log and the
// outbound stream (§4.3).
type Canonicalizer struct {
	mappings *mapping.Store
	schema   *schemaregistry.Store
	events   *eventlog.Store
	stream   *stream.Stream
	llm      llmclient.Provider
	metrics  MetricsSink
}

// Option configures a Canonicalizer at construction time.
type Option func(*Canonicalizer)

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(c *Canonicalizer) { c.metrics = m }
}

func New(mappings *mapping.Store, schema *schemaregistry.Store, events *eventlog.Store, s *stream.Stream, llm llmclient.Provider, opts ...Option) *Canonicalizer {
	c := &Canonicalizer{mappings: mappings, schema: schema, events: events, stream: s, llm: llm, metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handler adapts Process into the generic pull-consumer Handler the raw
// stream's durable consumer runs.
func (c *Canonicalizer) Handler() stream.Handler {
	return func(ctx context.Context, msg *nats.Msg) error {
		var raw ingest.RawEvent
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			return &stream.PoisonPillError{Reason: "raw event is not valid JSON: " + err.Error()}
		}
		return c.Process(ctx, raw)
	}
}

// Process runs the §4.3 algorithm for one raw event. A returned error is
// treated as transient (infra/db trouble) by the caller and naked for
// redelivery; every outcome the algorithm itself considers terminal
// (mapping failure, validation failure) is handled internally and
// returns nil so the message is acked exactly once.
func (c *Canonicalizer) Process(ctx context.Context, raw ingest.RawEvent) error {
	fp := fingerprint.Generate(raw.Body)

	expression, synthesizedNow, err := c.resolveExpression(ctx, fp, raw)
	if err != nil {
		return err
	}
	if expression == "" {
		// resolveExpression already recorded the mapping failure.
		return nil
	}

	result, err := transform.Apply(expression, raw.Body)
	if err != nil {
		c.recordMappingFailure(ctx, raw.Source, "transform evaluation failed: "+err.Error(), raw.Body)
		return nil
	}

	evt, err := canonical.FromTransformResult(result, raw.Body)
	if err != nil {
		reason := "LLM transform invalid"
		if !synthesizedNow {
			reason = "cached transform invalid: " + err.Error()
		}
		c.recordMappingFailure(ctx, raw.Source, reason, raw.Body)
		return nil
	}

	if synthesizedNow {
		if err := c.persistMapping(ctx, fp, raw.Source, expression, evt, raw.Body); err != nil {
			slog.Warn("canonicalizer: persist mapping failed, continuing", "source", raw.Source, "fingerprint", fp, "error", err)
		}
	}

	resolvedID := resolveSubjectID(evt.Resource.ID, raw.Body)
	subject := stream.EventSubject(evt.Publisher, evt.Resource.Type, resolvedID, string(evt.Action))

	envelope := canonical.NewEnvelope(evt, resolvedID)
	envelopeData, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalizer: marshal delivery envelope: %w", err)
	}
	if err := c.stream.PublishEvent(ctx, subject, envelopeData); err != nil {
		return fmt.Errorf("canonicalizer: publish event: %w", err)
	}

	if err := c.schema.Record(ctx, evt.Publisher, evt.Resource.Type, string(evt.Action)); err != nil {
		slog.Warn("canonicalizer: schema registry upsert failed, continuing", "error", err)
	}
	if _, err := c.events.AppendEvent(ctx, evt, subject); err != nil {
		slog.Warn("canonicalizer: event log append failed, continuing", "error", err)
	}

	return nil
}

// resolveExpression returns the transform expression to evaluate: from
// the fingerprint cache on a hit, or freshly synthesised by the LLM on a
// miss. An empty expression with a nil error means a terminal mapping
// failure was already recorded and the caller should stop.
func (c *Canonicalizer) resolveExpression(ctx context.Context, fp string, raw ingest.RawEvent) (expression string, synthesizedNow bool, err error) {
	m, err := c.mappings.Get(ctx, fp)
	if err == nil {
		return m.Expression, false, nil
	}
	if !isNotFound(err) {
		return "", false, fmt.Errorf("canonicalizer: mapping lookup: %w", err)
	}

	if c.llm == nil {
		c.recordMappingFailure(ctx, raw.Source, "no mapping, LLM unavailable", raw.Body)
		return "", false, nil
	}

	expr, err := c.synthesize(ctx, raw)
	if err != nil {
		c.recordMappingFailure(ctx, raw.Source, "LLM transform invalid: "+err.Error(), raw.Body)
		return "", false, nil
	}
	return expr, true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storeerr.ErrNotFound)
}

const synthesisSystemPrompt = `You translate webhook payloads into a transform expression. Given a JSON payload, respond with ONLY a single expression (no prose, no markdown fences) in a small DSL: field paths like a.b.c, ternary chains like x == "a" ? "p" : "q", object literals {a: b, c: d}, and helper functions unixToISO8601, toString, toNumber, lower. The expression must evaluate to an object with exactly these fields: publisher (lowercase snake_case string), resource (object with type: singular noun string, id: scalar), action (one of create, read, update, delete), timestamp (ISO-8601 string or unix seconds number).`

// synthesize calls the LLM with the payload and source slug, asking for a
// transform expression, strips fenced-code markers, and returns the raw
// expression text for the caller to execute and validate (§4.3 step 4b-c).
func (c *Canonicalizer) synthesize(ctx context.Context, raw ingest.RawEvent) (string, error) {
	payloadJSON, err := json.Marshal(raw.Body)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.llm.Complete(ctx, &llmclient.Request{
		Messages: []llmclient.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("source: %s\npayload: %s", raw.Source, payloadJSON)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm call failed: %w", err)
	}

	expr := stripFences(resp.Content)
	if expr == "" {
		return "", fmt.Errorf("llm returned an empty expression")
	}
	if err := transform.Validate(expr); err != nil {
		return "", fmt.Errorf("llm returned an uncompilable expression: %w", err)
	}
	return expr, nil
}

// stripFences removes a leading/trailing ``` or ```<lang> code fence, the
// most common way a chat model wraps a "just the expression" answer
// despite being told not to (§4.3 step 4c, mirrored by the gate
// evaluator's §4.5 fence tolerance).
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		firstLine := s[:nl]
		if !strings.ContainsAny(firstLine, " \t{") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// persistMapping stores a freshly synthesised transform keyed by
// fingerprint so the next payload with this shape skips the LLM entirely
// (§4.3 step 4d).
func (c *Canonicalizer) persistMapping(ctx context.Context, fp, source, expression string, evt *canonical.Event, payload map[string]any) error {
	return c.mappings.Upsert(ctx, mapping.Mapping{
		Fingerprint:       fp,
		Source:            source,
		EventName:         fmt.Sprintf("%s %s", evt.Resource.Type, evt.Action),
		Expression:        expression,
		StructureSkeleton: fingerprint.Skeleton(payload),
		SynthesizedBy:     "llm",
	})
}

// mapFailRecord mirrors the shape pkg/ingest publishes for JSON-parse
// failures at the HTTP boundary (SPEC_FULL.md §10.1), so every
// mapping-failure record on langhook.map_fail has the same {error, source,
// timestamp, raw_payload} shape regardless of which stage produced it.
type mapFailRecord struct {
	Error      string `json:"error"`
	Source     string `json:"source"`
	Timestamp  string `json:"timestamp"`
	RawPayload string `json:"raw_payload"`
}

func (c *Canonicalizer) recordMappingFailure(ctx context.Context, source, reason string, payload map[string]any) {
	c.metrics.IncMappingFailure(source, reason)
	if err := c.events.RecordIngestFailure(ctx, source, reason, payload); err != nil {
		slog.Warn("canonicalizer: record ingest failure", "source", source, "error", err)
	}
	c.publishMapFail(source, reason, payload)
}

// publishMapFail emits the §4.3 steps 4a/4e/5 mapping-failure record on
// langhook.map_fail (§6, §7, SPEC_FULL.md §10.1). Best-effort: a failure to
// publish is logged, not propagated, since the DB row already recorded the
// failure durably.
func (c *Canonicalizer) publishMapFail(source, reason string, payload map[string]any) {
	if c.stream == nil {
		return
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		slog.Error("canonicalizer: marshal map_fail raw_payload", "source", source, "error", err)
		return
	}
	data, err := json.Marshal(mapFailRecord{
		Error:      reason,
		Source:     source,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RawPayload: string(rawPayload),
	})
	if err != nil {
		slog.Error("canonicalizer: marshal map_fail record", "source", source, "error", err)
		return
	}
	if err := c.stream.PublishMapFail(data); err != nil {
		slog.Error("canonicalizer: publish map_fail record", "source", source, "error", err)
	}
}

// resolveSubjectID implements the §3.5 one-level dotted-path resolution:
// if the canonical id is itself a dotted path present in the original
// payload, substitute the resolved value; otherwise use the literal id.
func resolveSubjectID(id string, payload map[string]any) string {
	if !strings.Contains(id, ".") {
		return id
	}
	parts := strings.Split(id, ".")
	var cur any = payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return id
		}
		v, ok := m[part]
		if !ok {
			return id
		}
		cur = v
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return id
	}
}
