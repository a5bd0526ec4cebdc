package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/langhook-io/langhook/pkg/llmclient"
	"github.com/langhook-io/langhook/pkg/schemaregistry"
)

// NoSuitableSchemaError is the distinguished error the API surface maps to
// 422 (§4.4 "raise a distinguished no-suitable-schema error").
type NoSuitableSchemaError struct {
	Description string
}

func (e *NoSuitableSchemaError) Error() string {
	return fmt.Sprintf("no suitable schema found for description %q", e.Description)
}

// noSuitableSchemaMarker is the literal string the LLM is instructed to
// return when the registry's known vocabulary cannot express the request.
const noSuitableSchemaMarker = "ERROR: No suitable schema found"

// subjectPatternRE validates the compiled pattern against the routing
// subject grammar (§4.4): langhook.events.<token>(.<token>){4}, tokens
// drawn from [a-z0-9_*>\-].
var subjectPatternRE = regexp.MustCompile(`^langhook\.events\.[a-z0-9_*>\-]+(\.[a-z0-9_*>\-]+){4}$`)

// CompileResult is the pattern compiler's output (§4.4).
type CompileResult struct {
	Pattern    string
	GatePrompt string // only set when gate is enabled
}

// Compiler translates a natural-language subscription description into a
// routing subject pattern, using the schema registry as a closed
// vocabulary (§4.4, SPEC_FULL.md §10.2).
type Compiler struct {
	schema *schemaregistry.Store
	llm    llmclient.Provider
}

func NewCompiler(schema *schemaregistry.Store, llm llmclient.Provider) *Compiler {
	return &Compiler{schema: schema, llm: llm}
}

// Compile produces a subject pattern (and, if gateEnabled, a gate prompt)
// from description. Falls back to deterministic keyword matching if no
// LLM is configured, so the system degrades instead of rejecting every
// request (§4.4 last paragraph).
func (c *Compiler) Compile(ctx context.Context, description string, gateEnabled bool) (*CompileResult, error) {
	entries, err := c.schema.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription: compiler list schema: %w", err)
	}
	vocab := schemaregistry.Lists(entries)

	if c.llm == nil {
		return c.fallbackCompile(description, gateEnabled, vocab)
	}

	result, err := c.llmCompile(ctx, description, gateEnabled, vocab)
	if err != nil {
		var nse *NoSuitableSchemaError
		if errors.As(err, &nse) {
			return nil, err
		}
		return c.fallbackCompile(description, gateEnabled, vocab)
	}
	return result, nil
}

func (c *Compiler) llmCompile(ctx context.Context, description string, gateEnabled bool, vocab schemaregistry.Vocabulary) (*CompileResult, error) {
	prompt := buildCompilerPrompt(description, gateEnabled, vocab)
	resp, err := c.llm.Complete(ctx, &llmclient.Request{
		Messages: []llmclient.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	text := stripFences(resp.Content)
	if strings.Contains(text, noSuitableSchemaMarker) {
		return nil, &NoSuitableSchemaError{Description: description}
	}

	if !gateEnabled {
		if !subjectPatternRE.MatchString(text) {
			return nil, fmt.Errorf("llm returned a pattern that does not match the subject grammar: %q", text)
		}
		return &CompileResult{Pattern: text}, nil
	}

	var parsed struct {
		Pattern    string `json:"pattern"`
		GatePrompt string `json:"gate_prompt"`
	}
	if err := json.Unmarshal([]byte(largestJSONObject(text)), &parsed); err != nil || parsed.Pattern == "" {
		// model returned only a bare pattern; the description itself
		// becomes the gate prompt (§4.4).
		if subjectPatternRE.MatchString(text) {
			return &CompileResult{Pattern: text, GatePrompt: description}, nil
		}
		return nil, fmt.Errorf("llm response could not be parsed as a gated compile result: %q", text)
	}
	if !subjectPatternRE.MatchString(parsed.Pattern) {
		return nil, fmt.Errorf("llm returned a pattern that does not match the subject grammar: %q", parsed.Pattern)
	}
	if parsed.GatePrompt == "" {
		parsed.GatePrompt = description
	}
	return &CompileResult{Pattern: parsed.Pattern, GatePrompt: parsed.GatePrompt}, nil
}

func buildCompilerPrompt(description string, gateEnabled bool, vocab schemaregistry.Vocabulary) string {
	var b strings.Builder
	b.WriteString("Translate the following subscription description into a NATS subject pattern.\n")
	b.WriteString("The pattern MUST match langhook.events.<publisher>.<resource_type>.<resource_id>.<action>, ")
	b.WriteString("where <resource_id> may be the wildcard '*' and <action> is one of the known actions below.\n")
	b.WriteString("Known publishers: " + strings.Join(vocab.Publishers, ", ") + "\n")
	for _, p := range vocab.Publishers {
		b.WriteString("  " + p + " resource types: " + strings.Join(vocab.ResourceTypesByPubl[p], ", ") + "\n")
	}
	b.WriteString("Known actions: " + strings.Join(vocab.Actions, ", ") + "\n")
	b.WriteString(fmt.Sprintf("If nothing in the known vocabulary can satisfy the description, respond with exactly: %s\n", noSuitableSchemaMarker))
	if gateEnabled {
		b.WriteString(`Respond with ONLY JSON: {"pattern": "...", "gate_prompt": "..."}. gate_prompt should restate the condition the gate must evaluate per-event.` + "\n")
	} else {
		b.WriteString("Respond with ONLY the pattern string, nothing else.\n")
	}
	b.WriteString("Description: " + description + "\n")
	return b.String()
}

// deterministicVocabulary is the small built-in keyword set the fallback
// compiler matches against when no LLM is configured (§4.4 last
// paragraph: "simple keyword detection over a small built-in vocabulary").
var deterministicVocabulary = []string{"github", "stripe", "pull_request", "issue", "payment_intent", "created", "updated", "deleted"}

func (c *Compiler) fallbackCompile(description string, gateEnabled bool, vocab schemaregistry.Vocabulary) (*CompileResult, error) {
	lower := strings.ToLower(description)

	publisher := firstMatch(lower, vocab.Publishers)
	if publisher == "" {
		publisher = firstMatch(lower, []string{"github", "stripe"})
	}
	resourceType := firstMatch(lower, vocab.ResourceTypesByPubl[publisher])
	if resourceType == "" {
		resourceType = firstMatch(lower, deterministicVocabulary)
	}
	action := firstMatch(lower, vocab.Actions)
	if action == "" {
		action = firstMatch(lower, []string{"created", "updated", "deleted", "read"})
	}

	if publisher == "" || resourceType == "" {
		return nil, &NoSuitableSchemaError{Description: description}
	}
	if action == "" {
		action = "*"
	}

	pattern := fmt.Sprintf("langhook.events.%s.%s.*.%s", publisher, resourceType, action)
	result := &CompileResult{Pattern: pattern}
	if gateEnabled {
		result.GatePrompt = description
	}
	return result, nil
}

func firstMatch(haystack string, candidates []string) string {
	for _, c := range candidates {
		if c != "" && strings.Contains(haystack, strings.ToLower(c)) {
			return c
		}
	}
	return ""
}

// largestJSONObject returns the largest `{...}` span in s, tolerating a
// response with surrounding prose (§4.5 parsing tolerance, reused here
// since the compiler's gated JSON response can arrive the same way).
func largestJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// stripFences removes a leading/trailing ``` or ```<lang> code fence.
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
