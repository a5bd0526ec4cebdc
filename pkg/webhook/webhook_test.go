package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliver_Success(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Subscription")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := NewDeliverer(2 * time.Second)
	res := d.Deliver(context.Background(), Target{
		URL:     srv.URL,
		Headers: map[string]string{"X-Subscription": "sub-1"},
	}, []byte(`{"a":1}`))

	require.NoError(t, res.Error)
	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusCreated, *res.StatusCode)
	assert.Equal(t, "sub-1", gotHeader)
}

func TestDeliver_TransportErrorYieldsNullStatus(t *testing.T) {
	d := NewDeliverer(200 * time.Millisecond)
	res := d.Deliver(context.Background(), Target{URL: "http://127.0.0.1:1"}, []byte(`{}`))

	assert.Nil(t, res.StatusCode)
	assert.Error(t, res.Error)
}

func TestDeliver_DefaultsToPOST(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDeliverer(time.Second)
	res := d.Deliver(context.Background(), Target{URL: srv.URL}, []byte(`{}`))

	require.NoError(t, res.Error)
	assert.Equal(t, http.MethodPost, gotMethod)
}
