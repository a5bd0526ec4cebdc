package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/metrics"
	"github.com/langhook-io/langhook/pkg/schemaregistry"
	"github.com/langhook-io/langhook/pkg/subscription"
	testdb "github.com/langhook-io/langhook/test/database"
)

func newTestServer(t *testing.T) *Server {
	client := testdb.NewTestClient(t)
	db := client.DB()

	schema := schemaregistry.NewStore(db)
	subs := subscription.NewStore(db)
	events := eventlog.NewStore(db)
	compiler := subscription.NewCompiler(schema, nil)
	gate := subscription.NewGate(nil)
	sup := subscription.NewSupervisor(subs, nil, events, nil, gate)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)

	return NewServer(Config{
		DB:            db,
		Subscriptions: subs,
		Compiler:      compiler,
		Supervisor:    sup,
		Events:        events,
		GateLedger:    metrics.NewGateLedger(),
		Version:       "test",
	})
}

func recordJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func seedSchema(t *testing.T, db *schemaregistry.Store) {
	t.Helper()
	require.NoError(t, db.Record(context.Background(), "github", "pull_request", "created"))
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	w := recordJSON(t, s, http.MethodGet, "/health/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
}

func TestServer_MetricsJSON(t *testing.T) {
	s := newTestServer(t)
	s.gateLedger.ObserveGateTokens("sub-1", "claude-3-5-haiku-latest", 10)

	w := recordJSON(t, s, http.MethodGet, "/map/metrics/json", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sub-1")
}

func TestServer_CreateListGetUpdateDeleteSubscription(t *testing.T) {
	s := newTestServer(t)
	seedSchema(t, schemaregistry.NewStore(s.db))

	createBody := subscriptionRequest{
		SubscriberID: "alice",
		Description:  "notify me about new github pull_request created events",
		TargetURL:    "https://example.com/hook",
	}
	w := recordJSON(t, s, http.MethodPost, "/subscriptions/", createBody)
	require.Equal(t, http.StatusCreated, w.Code)

	var created subscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "langhook.events.github.pull_request.*.created", created.SubjectPattern)
	assert.True(t, created.Active)

	w = recordJSON(t, s, http.MethodGet, "/subscriptions/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID.String())

	w = recordJSON(t, s, http.MethodGet, "/subscriptions/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	updateBody := subscriptionRequest{
		SubscriberID: "alice",
		Description:  created.Description,
		TargetURL:    "https://example.com/hook2",
	}
	w = recordJSON(t, s, http.MethodPut, "/subscriptions/"+created.ID.String(), updateBody)
	require.Equal(t, http.StatusOK, w.Code)
	var updated subscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "https://example.com/hook2", updated.TargetURL)

	w = recordJSON(t, s, http.MethodGet, "/subscriptions/"+created.ID.String()+"/events", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = recordJSON(t, s, http.MethodDelete, "/subscriptions/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = recordJSON(t, s, http.MethodGet, "/subscriptions/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CreateSubscription_NoSuitableSchemaReturns422(t *testing.T) {
	s := newTestServer(t)

	createBody := subscriptionRequest{
		Description: "notify me about something totally unrelated to any known publisher",
		TargetURL:   "https://example.com/hook",
	}
	w := recordJSON(t, s, http.MethodPost, "/subscriptions/", createBody)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestServer_CreateSubscription_MissingTargetURLReturns400(t *testing.T) {
	s := newTestServer(t)
	w := recordJSON(t, s, http.MethodPost, "/subscriptions/", subscriptionRequest{Description: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_GetSubscription_UnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)
	w := recordJSON(t, s, http.MethodGet, "/subscriptions/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
