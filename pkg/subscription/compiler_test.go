package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook-io/langhook/pkg/llmclient"
	"github.com/langhook-io/langhook/pkg/schemaregistry"
	testdb "github.com/langhook-io/langhook/test/database"
)

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *llmclient.Request) (*llmclient.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llmclient.Response{Content: f.content}, nil
}

func newSchemaStore(t *testing.T) *schemaregistry.Store {
	client := testdb.NewTestClient(t)
	store := schemaregistry.NewStore(client.DB())
	require.NoError(t, store.Record(context.Background(), "github", "pull_request", "created"))
	require.NoError(t, store.Record(context.Background(), "stripe", "payment_intent", "updated"))
	return store
}

func TestCompile_NoLLM_FallbackKeywordMatch(t *testing.T) {
	schema := newSchemaStore(t)
	c := NewCompiler(schema, nil)

	result, err := c.Compile(context.Background(), "notify me about new github pull_request created events", false)
	require.NoError(t, err)
	assert.Equal(t, "langhook.events.github.pull_request.*.created", result.Pattern)
	assert.Equal(t, "", result.GatePrompt)
}

func TestCompile_NoLLM_FallbackWithGate(t *testing.T) {
	schema := newSchemaStore(t)
	c := NewCompiler(schema, nil)

	result, err := c.Compile(context.Background(), "stripe payment_intent updated events over $100", true)
	require.NoError(t, err)
	assert.Equal(t, "langhook.events.stripe.payment_intent.*.updated", result.Pattern)
	assert.Equal(t, "stripe payment_intent updated events over $100", result.GatePrompt)
}

func TestCompile_NoLLM_NoMatch_ReturnsNoSuitableSchema(t *testing.T) {
	schema := newSchemaStore(t)
	c := NewCompiler(schema, nil)

	_, err := c.Compile(context.Background(), "tell me about the weather", false)
	require.Error(t, err)
	var nse *NoSuitableSchemaError
	require.ErrorAs(t, err, &nse)
}

func TestCompile_LLM_UngatedPattern(t *testing.T) {
	schema := newSchemaStore(t)
	provider := &fakeProvider{content: "langhook.events.github.pull_request.*.created"}
	c := NewCompiler(schema, provider)

	result, err := c.Compile(context.Background(), "github PRs opened", false)
	require.NoError(t, err)
	assert.Equal(t, "langhook.events.github.pull_request.*.created", result.Pattern)
}

func TestCompile_LLM_NoSuitableSchemaMarker(t *testing.T) {
	schema := newSchemaStore(t)
	provider := &fakeProvider{content: noSuitableSchemaMarker}
	c := NewCompiler(schema, provider)

	_, err := c.Compile(context.Background(), "something unrelated", false)
	require.Error(t, err)
	var nse *NoSuitableSchemaError
	require.ErrorAs(t, err, &nse)
}

func TestCompile_LLM_GatedJSONResponse(t *testing.T) {
	schema := newSchemaStore(t)
	provider := &fakeProvider{content: "```json\n{\"pattern\": \"langhook.events.stripe.payment_intent.*.updated\", \"gate_prompt\": \"only amounts over 100\"}\n```"}
	c := NewCompiler(schema, provider)

	result, err := c.Compile(context.Background(), "stripe payments over 100", true)
	require.NoError(t, err)
	assert.Equal(t, "langhook.events.stripe.payment_intent.*.updated", result.Pattern)
	assert.Equal(t, "only amounts over 100", result.GatePrompt)
}

func TestCompile_LLM_InvalidPattern_FallsBack(t *testing.T) {
	schema := newSchemaStore(t)
	provider := &fakeProvider{content: "not a valid pattern at all"}
	c := NewCompiler(schema, provider)

	result, err := c.Compile(context.Background(), "github pull_request created", false)
	require.NoError(t, err)
	assert.Equal(t, "langhook.events.github.pull_request.*.created", result.Pattern)
}

func TestFirstMatch(t *testing.T) {
	assert.Equal(t, "github", firstMatch("notify me about github stuff", []string{"github", "stripe"}))
	assert.Equal(t, "", firstMatch("nothing matches here", []string{"github", "stripe"}))
}

func TestLargestJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, largestJSONObject(`some prose {"a":1} trailing`))
	assert.Equal(t, "no braces here", largestJSONObject("no braces here"))
}
