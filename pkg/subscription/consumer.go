package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/langhook-io/langhook/pkg/canonical"
	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/stream"
	"github.com/langhook-io/langhook/pkg/webhook"
)

// StopNotifier lets a consumer tell its supervisor it no longer needs to
// run, without the consumer holding a reference to the supervisor's full
// map (§4.6 step 6: a disposable subscription that delivered successfully
// stops routing further events).
type StopNotifier interface {
	NotifyDisposed(subscriptionID uuid.UUID)
}

// Consumer runs one subscription's durable pull consumer: decode the
// delivery envelope, optionally gate it, attempt delivery once, log the
// outcome, and — for a disposable subscription that just succeeded —
// mark itself used and signal the supervisor to stop it (§4.6).
type Consumer struct {
	sub        Subscription
	s          *stream.Stream
	store      *Store
	events     *eventlog.Store
	deliverer  *webhook.Deliverer
	gate       *Gate
	notifier   StopNotifier
	durableTag string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(sub Subscription, s *stream.Stream, store *Store, events *eventlog.Store, deliverer *webhook.Deliverer, gate *Gate, notifier StopNotifier) *Consumer {
	return &Consumer{
		sub:        sub,
		s:          s,
		store:      store,
		events:     events,
		deliverer:  deliverer,
		gate:       gate,
		notifier:   notifier,
		durableTag: "sub-" + sub.ID.String(),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the consumer's pull loop in a goroutine until Stop is
// called or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the consumer to stop and waits for it to exit. Safe to
// call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	log := slog.With("subscription_id", c.sub.ID, "pattern", c.sub.SubjectPattern)
	log.Info("subscription consumer started")

	if c.s == nil {
		// no stream configured: nothing to pull from, just hold the slot
		// open until stopped. Exercised by the supervisor's reconciliation
		// tests, which only assert on consumer bookkeeping.
		<-runCtx.Done()
		return
	}

	err := c.s.Subscribe(runCtx, stream.EventStreamName, c.sub.SubjectPattern, c.durableTag, c.handle)
	if err != nil && runCtx.Err() == nil {
		log.Error("subscription consumer exited with error", "error", err)
	}
}

// handle adapts the raw NATS message into the §4.6 per-event algorithm.
func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) error {
	var env canonical.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return &stream.PoisonPillError{Reason: "delivery envelope is not valid JSON: " + err.Error()}
	}
	evt := env.Data

	rec := eventlog.DeliveryRecord{
		SubscriptionID: c.sub.ID,
		Subject:        env.Subject,
	}

	if c.sub.GateEnabled {
		decision := c.gate.Evaluate(ctx, c.sub.ID.String(), c.sub.GatePrompt, evt, c.sub.GateFailOpen)
		passed := decision.Decision
		rec.GatePassed = &passed
		rec.GateReason = decision.Reason
		if !passed {
			if _, err := c.events.AppendDelivery(ctx, rec); err != nil {
				return fmt.Errorf("subscription: append gated-out delivery record: %w", err)
			}
			return nil
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("subscription: marshal envelope for delivery: %w", err)
	}

	result := c.deliverer.Deliver(ctx, webhook.Target{
		URL:     c.sub.TargetURL,
		Method:  c.sub.TargetMethod,
		Headers: c.sub.TargetHeaders,
	}, body)

	rec.Delivered = isSuccessStatus(result.StatusCode)
	rec.DeliveryStatusCode = result.StatusCode
	if result.Error != nil {
		rec.DeliveryError = result.Error.Error()
	}

	if _, err := c.events.AppendDelivery(ctx, rec); err != nil {
		return fmt.Errorf("subscription: append delivery record: %w", err)
	}

	if c.sub.Disposable && rec.Delivered {
		if err := c.store.MarkUsed(ctx, c.sub.ID); err != nil {
			slog.Warn("subscription: mark used failed", "subscription_id", c.sub.ID, "error", err)
		}
		if c.notifier != nil {
			c.notifier.NotifyDisposed(c.sub.ID)
		}
	}

	return nil
}

// isSuccessStatus reports whether a delivery attempt counts as a
// successful webhook delivery (§7: a transport error or an HTTP non-2xx
// response is a "Delivery error", not a success) — distinct from merely
// having reached the target at all.
func isSuccessStatus(statusCode *int) bool {
	return statusCode != nil && *statusCode >= 200 && *statusCode < 300
}
