// Package subscription implements the subscription store (§3.7), the
// natural-language pattern compiler (§4.4), the gate evaluator (§4.5),
// and the per-subscription consumer plus its supervisor (§4.6, §4.7).
package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/storeerr"
)

// Subscription is one row of the subscriptions table (§3.7).
type Subscription struct {
	ID             uuid.UUID
	SubscriberID   string
	Description    string
	SubjectPattern string
	TargetURL      string
	TargetMethod   string
	TargetHeaders  map[string]string
	GateEnabled    bool
	GatePrompt     string
	GateFailOpen   bool
	Disposable     bool
	Used           bool
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the Postgres-backed subscriptions repository.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `id, subscriber_id, description, subject_pattern, target_url, target_method, target_headers, gate_enabled, gate_prompt, gate_fail_open, disposable, used, active, created_at, updated_at`

func scanSubscription(scan func(dest ...any) error) (Subscription, error) {
	var s Subscription
	var headers []byte
	var gatePrompt sql.NullString
	if err := scan(&s.ID, &s.SubscriberID, &s.Description, &s.SubjectPattern, &s.TargetURL, &s.TargetMethod,
		&headers, &s.GateEnabled, &gatePrompt, &s.GateFailOpen, &s.Disposable, &s.Used, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Subscription{}, err
	}
	s.GatePrompt = gatePrompt.String
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &s.TargetHeaders); err != nil {
			return Subscription{}, fmt.Errorf("subscription: unmarshal target_headers: %w", err)
		}
	}
	return s, nil
}

// Create inserts a new subscription, assigning a fresh id.
func (s *Store) Create(ctx context.Context, sub Subscription) (*Subscription, error) {
	if sub.SubjectPattern == "" {
		return nil, storeerr.NewValidationError("subject pattern is required")
	}
	if sub.Description == "" {
		return nil, storeerr.NewValidationError("description is required")
	}
	sub.ID = uuid.New()
	if sub.TargetMethod == "" {
		sub.TargetMethod = "POST"
	}
	headers, err := json.Marshal(sub.TargetHeaders)
	if err != nil {
		return nil, fmt.Errorf("subscription: marshal target_headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, subscriber_id, description, subject_pattern, target_url, target_method, target_headers, gate_enabled, gate_prompt, gate_fail_open, disposable, used, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, true, now(), now())`,
		sub.ID, sub.SubscriberID, sub.Description, sub.SubjectPattern, sub.TargetURL, sub.TargetMethod, headers,
		sub.GateEnabled, nullableString(sub.GatePrompt), sub.GateFailOpen, sub.Disposable,
	)
	if err != nil {
		return nil, fmt.Errorf("subscription: create: %w", err)
	}
	return s.Get(ctx, sub.ID)
}

// Get fetches a subscription by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: get %s: %w", id, err)
	}
	return &sub, nil
}

// Update overwrites a subscription's mutable fields (§3.7: description
// change recompiles the pattern, so callers pass the freshly compiled
// pattern/gate prompt alongside it).
func (s *Store) Update(ctx context.Context, sub Subscription) error {
	headers, err := json.Marshal(sub.TargetHeaders)
	if err != nil {
		return fmt.Errorf("subscription: marshal target_headers: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		    description = $2, subject_pattern = $3, target_url = $4, target_method = $5, target_headers = $6,
		    gate_enabled = $7, gate_prompt = $8, gate_fail_open = $9, disposable = $10, active = $11, updated_at = now()
		 WHERE id = $1`,
		sub.ID, sub.Description, sub.SubjectPattern, sub.TargetURL, sub.TargetMethod, headers,
		sub.GateEnabled, nullableString(sub.GatePrompt), sub.GateFailOpen, sub.Disposable, sub.Active,
	)
	if err != nil {
		return fmt.Errorf("subscription: update %s: %w", sub.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription: update %s: %w", sub.ID, err)
	}
	if n == 0 {
		return storeerr.ErrNotFound
	}
	return nil
}

// MarkUsed sets used=true, the §4.6 step 6 side effect of a successful
// disposable-subscription delivery.
func (s *Store) MarkUsed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET used = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("subscription: mark used %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription: mark used %s: %w", id, err)
	}
	if n == 0 {
		return storeerr.ErrNotFound
	}
	return nil
}

// Delete removes a subscription.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("subscription: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription: delete %s: %w", id, err)
	}
	if n == 0 {
		return storeerr.ErrNotFound
	}
	return nil
}

// List returns a page of subscriptions ordered by creation time.
func (s *Store) List(ctx context.Context, page, size int) ([]Subscription, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM subscriptions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		size, (page-1)*size,
	)
	if err != nil {
		return nil, fmt.Errorf("subscription: list: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("subscription: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListActive returns every subscription eligible for routing: active,
// and not a used disposable (§3.7 invariant, consumed by the supervisor's
// reload reconciliation, §4.7).
func (s *Store) ListActive(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM subscriptions WHERE active = true AND NOT (disposable = true AND used = true)`,
	)
	if err != nil {
		return nil, fmt.Errorf("subscription: list active: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("subscription: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
