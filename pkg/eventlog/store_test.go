package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook-io/langhook/pkg/canonical"
	testdb "github.com/langhook-io/langhook/test/database"
)

func TestStore_AppendAndListEvents(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client.DB())
	ctx := context.Background()

	evt := &canonical.Event{
		Publisher: "github",
		Resource:  canonical.Resource{Type: "pull_request", ID: "1374"},
		Action:    canonical.ActionCreated,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"action": "opened"},
	}
	eventID, err := store.AppendEvent(ctx, evt, "langhook.events.github.pull_request.1374.created")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, eventID)

	subscriptionID := uuid.New()
	passed := true
	statusCode := 200
	_, err = store.AppendDelivery(ctx, DeliveryRecord{
		SubscriptionID:     subscriptionID,
		EventID:            eventID,
		Subject:            "langhook.events.github.pull_request.1374.created",
		GatePassed:         &passed,
		Delivered:          true,
		DeliveryStatusCode: &statusCode,
	})
	require.NoError(t, err)

	deliveries, err := store.ListEventsForSubscription(ctx, subscriptionID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Delivered)
	assert.Equal(t, 200, *deliveries[0].DeliveryStatusCode)
}

func TestStore_ListEventsForSubscription_EmptyWhenUnknown(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client.DB())

	deliveries, err := store.ListEventsForSubscription(context.Background(), uuid.New(), 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestStore_RecordIngestFailure(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client.DB())
	ctx := context.Background()

	err := store.RecordIngestFailure(ctx, "github", "no mapping could be synthesised", map[string]any{"action": "opened"})
	require.NoError(t, err)

	var count int
	require.NoError(t, client.DB().QueryRowContext(ctx, `SELECT count(*) FROM ingest_failures WHERE source = 'github'`).Scan(&count))
	assert.Equal(t, 1, count)
}
