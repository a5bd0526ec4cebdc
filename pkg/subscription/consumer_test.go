package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook-io/langhook/pkg/canonical"
	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/webhook"
	testdb "github.com/langhook-io/langhook/test/database"
)

func newConsumerDeps(t *testing.T) (*Store, *eventlog.Store) {
	client := testdb.NewTestClient(t)
	return NewStore(client.DB()), eventlog.NewStore(client.DB())
}

// persistedSubscription inserts sub through the store so the foreign key
// subscription_event_logs.subscription_id holds, then returns the
// persisted row (with TargetURL overridden to target, since the store
// doesn't know about httptest server URLs at creation time).
func persistedSubscription(t *testing.T, store *Store, sub Subscription, target string) Subscription {
	sub.TargetURL = "https://placeholder.example"
	created, err := store.Create(context.Background(), sub)
	require.NoError(t, err)
	created.TargetURL = target
	return *created
}

func sampleEnvelope() canonical.Envelope {
	evt := &canonical.Event{
		Publisher: "github",
		Resource:  canonical.Resource{Type: "pull_request", ID: "1374"},
		Action:    canonical.ActionCreated,
		Timestamp: time.Unix(0, 0),
		Payload:   map[string]any{"number": float64(1374)},
	}
	return canonical.NewEnvelope(evt, "1374")
}

type recordingNotifier struct {
	disposed []uuid.UUID
}

func (n *recordingNotifier) NotifyDisposed(id uuid.UUID) {
	n.disposed = append(n.disposed, id)
}

func TestConsumer_Handle_DeliversAndLogsSuccess(t *testing.T) {
	store, events := newConsumerDeps(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := persistedSubscription(t, store, Subscription{
		Description: "d", SubjectPattern: "langhook.events.github.pull_request.*.created", TargetMethod: "POST",
	}, server.URL)
	c := NewConsumer(sub, nil, store, events, webhook.NewDeliverer(time.Second), nil, nil)

	env := sampleEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), &nats.Msg{Data: data}))

	records, err := events.ListEventsForSubscription(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Delivered)
	assert.Equal(t, 200, *records[0].DeliveryStatusCode)
}

func TestConsumer_Handle_TransportErrorRecordsNullStatus(t *testing.T) {
	store, events := newConsumerDeps(t)
	sub := persistedSubscription(t, store, Subscription{
		Description: "d", SubjectPattern: "langhook.events.github.pull_request.*.created", TargetMethod: "POST",
	}, "http://127.0.0.1:1")
	c := NewConsumer(sub, nil, store, events, webhook.NewDeliverer(time.Second), nil, nil)

	env := sampleEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), &nats.Msg{Data: data}))

	records, err := events.ListEventsForSubscription(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	assert.Nil(t, records[0].DeliveryStatusCode)
	assert.NotEmpty(t, records[0].DeliveryError)
}

func TestConsumer_Handle_GateBlocksDelivery(t *testing.T) {
	store, events := newConsumerDeps(t)
	provider := &fakeProvider{content: `{"decision": false, "reason": "not interesting"}`}
	gate := NewGate(provider)

	sub := persistedSubscription(t, store, Subscription{
		Description: "d", SubjectPattern: "langhook.events.github.pull_request.*.created",
		GateEnabled: true, GatePrompt: "only urgent ones",
	}, "http://127.0.0.1:1")
	c := NewConsumer(sub, nil, store, events, webhook.NewDeliverer(time.Second), gate, nil)

	env := sampleEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), &nats.Msg{Data: data}))

	records, err := events.ListEventsForSubscription(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	require.NotNil(t, records[0].GatePassed)
	assert.False(t, *records[0].GatePassed)
}

func TestConsumer_Handle_MalformedEnvelopeIsPoisonPill(t *testing.T) {
	_, events := newConsumerDeps(t)
	sub := Subscription{ID: uuid.New(), TargetURL: "http://example.com"}
	c := NewConsumer(sub, nil, nil, events, webhook.NewDeliverer(time.Second), nil, nil)

	err := c.handle(context.Background(), &nats.Msg{Data: []byte("not json")})
	require.Error(t, err)
}

func TestConsumer_Handle_DisposableSuccessNotifiesAndMarksUsed(t *testing.T) {
	client := testdb.NewTestClient(t)
	events := eventlog.NewStore(client.DB())
	store := NewStore(client.DB())

	created, err := store.Create(context.Background(), Subscription{
		Description: "d", SubjectPattern: "langhook.events.github.pull_request.*.created",
		TargetURL: "", Disposable: true,
	})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	created.TargetURL = server.URL

	notifier := &recordingNotifier{}
	c := NewConsumer(*created, nil, store, events, webhook.NewDeliverer(time.Second), nil, notifier)

	env := sampleEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), &nats.Msg{Data: data}))

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.Len(t, notifier.disposed, 1)
	assert.Equal(t, created.ID, notifier.disposed[0])
}

func TestConsumer_Handle_DisposableNonSuccessStatusDoesNotRetire(t *testing.T) {
	client := testdb.NewTestClient(t)
	events := eventlog.NewStore(client.DB())
	store := NewStore(client.DB())

	created, err := store.Create(context.Background(), Subscription{
		Description: "d", SubjectPattern: "langhook.events.github.pull_request.*.created",
		TargetURL: "", Disposable: true,
	})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	created.TargetURL = server.URL

	notifier := &recordingNotifier{}
	c := NewConsumer(*created, nil, store, events, webhook.NewDeliverer(time.Second), nil, notifier)

	env := sampleEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), &nats.Msg{Data: data}))

	records, err := events.ListEventsForSubscription(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	assert.Equal(t, 500, *records[0].DeliveryStatusCode)

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, got.Used, "a disposable subscription must not retire on a non-2xx delivery")
	assert.Empty(t, notifier.disposed)
}
