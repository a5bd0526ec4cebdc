package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestRawSubject(t *testing.T) {
	assert.Equal(t, "raw.ingest.github", RawSubject("github"))
	assert.Equal(t, "raw.ingest.stripe", RawSubject("stripe"))
}

func TestEventSubject(t *testing.T) {
	got := EventSubject("github", "pull_request", "1374", "created")
	assert.Equal(t, "langhook.events.github.pull_request.1374.created", got)
}

func TestNextBackoff_DoublesUntilCap(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second))
	assert.Equal(t, 16*time.Second, nextBackoff(8*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(16*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}

func TestIsServiceUnavailable(t *testing.T) {
	assert.True(t, isServiceUnavailable(errors.New("nats: no responders available for request")))
	assert.True(t, isServiceUnavailable(errors.New("JetStream not available")))
	assert.False(t, isServiceUnavailable(nil))
	assert.False(t, isServiceUnavailable(nats.ErrTimeout))
	assert.False(t, isServiceUnavailable(errors.New("context canceled")))
}

func TestPoisonPillError_Error(t *testing.T) {
	err := &PoisonPillError{Reason: "malformed payload"}
	assert.Equal(t, "poison pill: malformed payload", err.Error())

	var asErr error = err
	var target *PoisonPillError
	assert.True(t, errors.As(asErr, &target))
}
