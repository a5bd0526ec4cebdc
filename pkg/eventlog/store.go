// Package eventlog persists canonical events and per-subscription delivery
// attempts for replay and audit (§5, §10 supplemented features). The
// durable source of truth for "what happened" is the JetStream stream
// (pkg/stream); this package is the queryable side-log a console or
// support engineer inspects after the fact.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/canonical"
)

// EventRecord is one row of event_logs.
type EventRecord struct {
	ID        uuid.UUID
	Publisher string
	Resource  canonical.Resource
	Action    canonical.Action
	Subject   string
	Timestamp time.Time
	Payload   map[string]any
	CreatedAt time.Time
}

// DeliveryRecord is one row of subscription_event_logs — a single attempt
// to deliver one event to one subscription.
type DeliveryRecord struct {
	ID                 uuid.UUID
	SubscriptionID     uuid.UUID
	EventID            uuid.UUID
	Subject            string
	GatePassed         *bool
	GateReason         string
	Delivered          bool
	DeliveryStatusCode *int
	DeliveryError      string
	CreatedAt          time.Time
}

// Store is the Postgres-backed event_logs / subscription_event_logs repository.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendEvent records a canonicalised event alongside the routing subject
// it was published under.
func (s *Store) AppendEvent(ctx context.Context, evt *canonical.Event, subject string) (uuid.UUID, error) {
	id := uuid.New()
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_logs (id, publisher, resource_type, resource_id, action, subject, event_timestamp, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		id, evt.Publisher, evt.Resource.Type, evt.Resource.ID, string(evt.Action), subject, evt.Timestamp, payload,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventlog: append event: %w", err)
	}
	return id, nil
}

// AppendDelivery records one subscription's delivery outcome for an event.
func (s *Store) AppendDelivery(ctx context.Context, rec DeliveryRecord) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_event_logs
		    (id, subscription_id, event_id, subject, gate_passed, gate_reason, delivered, delivery_status_code, delivery_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		id, rec.SubscriptionID, rec.EventID, rec.Subject, rec.GatePassed, rec.GateReason, rec.Delivered, rec.DeliveryStatusCode, rec.DeliveryError,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventlog: append delivery: %w", err)
	}
	return id, nil
}

// ListEventsForSubscription returns the most recent delivery attempts for a
// subscription, newest first, for the subscription's event history endpoint.
func (s *Store) ListEventsForSubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, event_id, subject, gate_passed, gate_reason, delivered, delivery_status_code, delivery_error, created_at
		 FROM subscription_event_logs WHERE subscription_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		if err := rows.Scan(&r.ID, &r.SubscriptionID, &r.EventID, &r.Subject, &r.GatePassed, &r.GateReason, &r.Delivered, &r.DeliveryStatusCode, &r.DeliveryError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan delivery: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordIngestFailure logs a payload the canonicaliser could not turn into
// a valid event, so an operator can inspect and hand-author a mapping
// (SPEC_FULL.md §10.1's langhook.map_fail record, persisted for the console).
func (s *Store) RecordIngestFailure(ctx context.Context, source, reason string, rawPayload map[string]any) error {
	payload, err := json.Marshal(rawPayload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal raw payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_failures (id, source, reason, raw_payload, created_at) VALUES ($1, $2, $3, $4, now())`,
		uuid.New(), source, reason, payload,
	)
	if err != nil {
		return fmt.Errorf("eventlog: record ingest failure: %w", err)
	}
	return nil
}
