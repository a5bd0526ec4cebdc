package schemaregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/langhook-io/langhook/test/database"
)

func TestStore_RecordAndList(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client.DB())
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "github", "pull_request", "created"))
	require.NoError(t, store.Record(ctx, "github", "pull_request", "updated"))
	require.NoError(t, store.Record(ctx, "stripe", "payment_intent", "updated"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	github, err := store.ListByPublisher(ctx, "github")
	require.NoError(t, err)
	assert.Len(t, github, 2)
}

func TestStore_Record_IsIdempotent(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client.DB())
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "github", "issue", "created"))
	require.NoError(t, store.Record(ctx, "github", "issue", "created"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.True(t, all[0].LastSeenAt.Equal(all[0].LastSeenAt) && !all[0].LastSeenAt.Before(all[0].FirstSeenAt))
}

func TestSummary_RendersPublisherAndResourceType(t *testing.T) {
	entries := []Entry{
		{Publisher: "github", ResourceType: "pull_request", Action: "created"},
		{Publisher: "github", ResourceType: "pull_request", Action: "updated"},
		{Publisher: "stripe", ResourceType: "payment_intent", Action: "updated"},
	}

	summary := Summary(entries)
	assert.Contains(t, summary, "github:")
	assert.Contains(t, summary, "pull_request")
	assert.Contains(t, summary, "stripe:")
	assert.Contains(t, summary, "payment_intent")
}

func TestLists_BuildsFlatVocabulary(t *testing.T) {
	entries := []Entry{
		{Publisher: "github", ResourceType: "pull_request", Action: "created"},
		{Publisher: "github", ResourceType: "pull_request", Action: "updated"},
		{Publisher: "github", ResourceType: "issue", Action: "created"},
		{Publisher: "stripe", ResourceType: "payment_intent", Action: "updated"},
	}

	v := Lists(entries)
	assert.Equal(t, []string{"github", "stripe"}, v.Publishers)
	assert.Equal(t, []string{"issue", "pull_request"}, v.ResourceTypesByPubl["github"])
	assert.Equal(t, []string{"payment_intent"}, v.ResourceTypesByPubl["stripe"])
	assert.Equal(t, []string{"created", "updated"}, v.Actions)
}
