package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/stream"
	"github.com/langhook-io/langhook/pkg/webhook"
)

// defaultReconcileInterval is how often the supervisor compares its live
// consumer set against the store's active subscriptions (§4.7).
const defaultReconcileInterval = 30 * time.Second

// Supervisor owns one running Consumer per active subscription and keeps
// that set in sync with the subscription store (§4.7). It is the single
// point that starts and stops delivery consumers; nothing else in this
// module spawns one directly.
type Supervisor struct {
	store     *Store
	s         *stream.Stream
	events    *eventlog.Store
	deliverer *webhook.Deliverer
	gate      *Gate
	interval  time.Duration

	mu        sync.Mutex
	consumers map[uuid.UUID]*Consumer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSupervisor(store *Store, s *stream.Stream, events *eventlog.Store, deliverer *webhook.Deliverer, gate *Gate) *Supervisor {
	return &Supervisor{
		store:     store,
		s:         s,
		events:    events,
		deliverer: deliverer,
		gate:      gate,
		interval:  defaultReconcileInterval,
		consumers: make(map[uuid.UUID]*Consumer),
		stopCh:    make(chan struct{}),
	}
}

// Start reconciles immediately (crash-recovery: nothing is running yet,
// so this starts a consumer for every currently active subscription) and
// then reconciles on a timer until Stop is called.
func (sup *Supervisor) Start(ctx context.Context) error {
	if err := sup.Reload(ctx); err != nil {
		return err
	}
	sup.wg.Add(1)
	go sup.loop(ctx)
	return nil
}

func (sup *Supervisor) loop(ctx context.Context) {
	defer sup.wg.Done()
	ticker := time.NewTicker(sup.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sup.stopCh:
			sup.stopAll()
			return
		case <-ctx.Done():
			sup.stopAll()
			return
		case <-ticker.C:
			if err := sup.Reload(ctx); err != nil {
				slog.Error("subscription supervisor: reload failed", "error", err)
			}
		}
	}
}

// Stop stops every running consumer and the reconciliation loop. Safe to
// call more than once.
func (sup *Supervisor) Stop() {
	sup.stopOnce.Do(func() { close(sup.stopCh) })
	sup.wg.Wait()
}

func (sup *Supervisor) stopAll() {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for id, c := range sup.consumers {
		c.Stop()
		delete(sup.consumers, id)
	}
}

// Reload reconciles the running consumer set against the store's active
// subscriptions: starts consumers for newly eligible subscriptions, stops
// consumers for ones that became inactive or were deleted or whose
// pattern/target changed (restarted with the new definition), and leaves
// everything else untouched.
func (sup *Supervisor) Reload(ctx context.Context) error {
	active, err := sup.store.ListActive(ctx)
	if err != nil {
		return err
	}

	desired := make(map[uuid.UUID]Subscription, len(active))
	for _, s := range active {
		desired[s.ID] = s
	}

	sup.mu.Lock()
	defer sup.mu.Unlock()

	for id, c := range sup.consumers {
		sub, ok := desired[id]
		if !ok || subscriptionChanged(c.sub, sub) {
			c.Stop()
			delete(sup.consumers, id)
		}
	}

	for id, sub := range desired {
		if _, running := sup.consumers[id]; running {
			continue
		}
		c := NewConsumer(sub, sup.s, sup.store, sup.events, sup.deliverer, sup.gate, sup)
		c.Start(ctx)
		sup.consumers[id] = c
	}

	return nil
}

// NotifyDisposed implements StopNotifier: a disposable consumer that just
// delivered successfully asks to be removed from the live set, instead of
// waiting for the next reconciliation tick to notice it is now used.
func (sup *Supervisor) NotifyDisposed(subscriptionID uuid.UUID) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if c, ok := sup.consumers[subscriptionID]; ok {
		go c.Stop()
		delete(sup.consumers, subscriptionID)
	}
}

// Running reports how many consumers are currently active, for a health
// or metrics endpoint.
func (sup *Supervisor) Running() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return len(sup.consumers)
}

func subscriptionChanged(a, b Subscription) bool {
	return a.SubjectPattern != b.SubjectPattern ||
		a.TargetURL != b.TargetURL ||
		a.TargetMethod != b.TargetMethod ||
		a.GateEnabled != b.GateEnabled ||
		a.GatePrompt != b.GatePrompt ||
		a.GateFailOpen != b.GateFailOpen
}
