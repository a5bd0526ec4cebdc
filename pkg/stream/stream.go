// Package stream wraps the NATS JetStream connection that carries both the
// raw webhook payloads awaiting canonicalisation and the canonical events
// routed to subscriptions (§4.9). Every consumer in this module — the
// canonicaliser and each subscription's delivery worker — is a durable
// pull consumer over a wildcard subject, following the same
// Fetch/Ack/Nak/Term loop shape as a classic JetStream worker.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// RawStreamName holds every ingested webhook payload before
	// canonicalisation, one subject per source (SPEC_FULL.md §10.1).
	RawStreamName = "LANGHOOK_RAW"
	// EventStreamName holds every canonicalised event, routed by the
	// publisher/resource_type/resource_id/action subject grammar (§4.5).
	EventStreamName = "LANGHOOK_EVENTS"

	rawSubjectPrefix   = "raw.ingest."
	eventSubjectPrefix = "langhook.events."

	// MapFailSubject carries payloads the canonicaliser could not turn into
	// a valid event (SPEC_FULL.md §10.1).
	MapFailSubject = "langhook.map_fail"
)

// RawSubject returns the well-known subject a source's raw payloads are
// published to: one subject per source slug, not one per payload shape.
func RawSubject(source string) string {
	return rawSubjectPrefix + source
}

// RawWildcardSubject is the durable pull consumer's subject filter that
// captures every source's raw payloads with a single subscription.
const RawWildcardSubject = rawSubjectPrefix + ">"

// EventSubject renders the canonical routing subject for an event
// (§4.5): langhook.events.<publisher>.<resource_type>.<resource_id>.<action>
func EventSubject(publisher, resourceType, resourceID, action string) string {
	return fmt.Sprintf("%s%s.%s.%s.%s", eventSubjectPrefix, publisher, resourceType, resourceID, action)
}

// EventWildcardSubject is the filter a subscription's compiled pattern is
// validated against; the pattern itself may use NATS '*'/'>' wildcards.
const EventWildcardSubject = eventSubjectPrefix + ">"

// Backoff constants for the pull-consumer loop (SPEC_FULL.md §10.6): a
// failed PullSubscribe (stream/consumer not found, e.g. during startup) is
// retried every notFoundRetryInterval up to notFoundRetryTotal, and a plain
// fetch error in the pull loop is retried every notFoundRetryInterval with
// no overall limit; three consecutive "service unavailable" responses
// trigger an exponential backoff sleep capped at maxBackoff. The connection
// itself is not reset; reconnection is left to the NATS client's own
// reconnect options set in Connect. These are package constants, not
// configurable.
const (
	notFoundRetryInterval    = 2 * time.Second
	notFoundRetryTotal       = 30 * time.Second
	initialUnavailableBackoff = 2 * time.Second
	maxBackoff               = 30 * time.Second
	unavailableThreshold     = 3
)

// Config is the environment-driven connection configuration.
type Config struct {
	URL string
}

// Stream wraps a NATS connection and its JetStream context.
type Stream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials NATS, obtains a JetStream context, and ensures the raw and
// event streams exist (creating them on first boot, leaving them alone
// otherwise).
func Connect(cfg Config) (*Stream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("stream: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("stream: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream: jetstream context: %w", err)
	}

	s := &Stream{nc: nc, js: js}
	if err := s.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// Close drains and closes the underlying NATS connection.
func (s *Stream) Close() {
	_ = s.nc.Drain()
}

// Connected reports whether the underlying NATS connection is currently
// up, for the health endpoint's component roll-up (§6).
func (s *Stream) Connected() bool {
	return s.nc.IsConnected()
}

func (s *Stream) ensureStreams() error {
	if err := s.ensureStream(RawStreamName, []string{RawWildcardSubject}); err != nil {
		return err
	}
	if err := s.ensureStream(EventStreamName, []string{EventWildcardSubject}); err != nil {
		return err
	}
	return nil
}

func (s *Stream) ensureStream(name string, subjects []string) error {
	_, err := s.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream: stream info %q: %w", name, err)
	}
	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("stream: add stream %q: %w", name, err)
	}
	return nil
}

// PublishRaw appends a raw webhook payload to the raw stream under its
// source's well-known subject.
func (s *Stream) PublishRaw(ctx context.Context, source string, data []byte) error {
	_, err := s.js.Publish(RawSubject(source), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("stream: publish raw %q: %w", source, err)
	}
	return nil
}

// PublishEvent appends a canonical event to the event stream under its
// routing subject.
func (s *Stream) PublishEvent(ctx context.Context, subject string, data []byte) error {
	_, err := s.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("stream: publish event %q: %w", subject, err)
	}
	return nil
}

// PublishMapFail appends a mapping-failure record (SPEC_FULL.md §10.1) to
// a plain (non-JetStream) subject — these are diagnostic, not durable.
func (s *Stream) PublishMapFail(data []byte) error {
	if err := s.nc.Publish(MapFailSubject, data); err != nil {
		return fmt.Errorf("stream: publish map_fail: %w", err)
	}
	return nil
}

// Handler processes one delivered message. Returning nil acks it.
// Returning a *PoisonPillError terms it (never redelivered). Any other
// error naks it for redelivery.
type Handler func(ctx context.Context, msg *nats.Msg) error

// PoisonPillError marks a message as structurally unrecoverable — bad
// JSON, a payload that can never validate — so the consumer loop terms it
// instead of redelivering it forever.
type PoisonPillError struct{ Reason string }

func (e *PoisonPillError) Error() string { return "poison pill: " + e.Reason }

// Subscribe creates (or binds to) a durable pull consumer on subject and
// runs handler over every delivered message until ctx is cancelled. It
// blocks; callers run it in a goroutine.
func (s *Stream) Subscribe(ctx context.Context, streamName, subject, durable string, handler Handler) error {
	sub, err := s.pullSubscribeWithRetry(streamName, subject, durable)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	s.runPullLoop(ctx, sub, durable, handler)
	return nil
}

// pullSubscribeWithRetry retries PullSubscribe every notFoundRetryInterval
// up to notFoundRetryTotal — the stream or its consumer may not exist yet
// on the first few seconds after a fresh deployment's migrations/streams
// are still being provisioned.
func (s *Stream) pullSubscribeWithRetry(streamName, subject, durable string) (*nats.Subscription, error) {
	deadline := time.Now().Add(notFoundRetryTotal)
	var lastErr error
	for {
		sub, err := s.js.PullSubscribe(subject, durable, nats.BindStream(streamName))
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("stream: pull subscribe %q/%q: %w", streamName, durable, lastErr)
		}
		time.Sleep(notFoundRetryInterval)
	}
}

func (s *Stream) runPullLoop(ctx context.Context, sub *nats.Subscription, durable string, handler Handler) {
	consecutiveUnavailable := 0
	backoff := initialUnavailableBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(20, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, nats.ErrTimeout) {
				consecutiveUnavailable = 0
				continue
			}
			if isServiceUnavailable(err) {
				consecutiveUnavailable++
				if consecutiveUnavailable >= unavailableThreshold {
					slog.Warn("stream: pull consumer unavailable, backing off",
						"durable", durable, "backoff", backoff)
					time.Sleep(backoff)
					backoff = nextBackoff(backoff)
					consecutiveUnavailable = 0
				}
				continue
			}
			consecutiveUnavailable = 0
			backoff = initialUnavailableBackoff
			slog.Error("stream: fetch error", "durable", durable, "error", err)
			time.Sleep(notFoundRetryInterval)
			continue
		}

		consecutiveUnavailable = 0
		backoff = initialUnavailableBackoff
		for _, msg := range msgs {
			s.dispatch(ctx, msg, handler, durable)
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, msg *nats.Msg, handler Handler, durable string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream: handler panicked, terminating message", "durable", durable, "subject", msg.Subject, "panic", r, "stack", string(debug.Stack()))
			if termErr := msg.Term(); termErr != nil {
				slog.Warn("stream: term failed", "durable", durable, "subject", msg.Subject, "error", termErr)
			}
		}
	}()

	err := handler(ctx, msg)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Warn("stream: ack failed", "durable", durable, "subject", msg.Subject, "error", ackErr)
		}
		return
	}

	var ppe *PoisonPillError
	if errors.As(err, &ppe) {
		slog.Warn("stream: terminating poison pill", "durable", durable, "subject", msg.Subject, "error", err)
		if termErr := msg.Term(); termErr != nil {
			slog.Warn("stream: term failed", "durable", durable, "subject", msg.Subject, "error", termErr)
		}
		return
	}

	slog.Error("stream: nak (transient)", "durable", durable, "subject", msg.Subject, "error", err)
	if nakErr := msg.Nak(); nakErr != nil {
		slog.Warn("stream: nak failed", "durable", durable, "subject", msg.Subject, "error", nakErr)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func isServiceUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no responders") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "jetstream not available")
}
