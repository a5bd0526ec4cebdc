// Package mapping persists the fingerprint-to-transform cache (§4.1, §4.3
// step 2): once a payload shape has been mapped, either by hand or by the
// LLM synthesiser, every future payload with the same fingerprint reuses
// the stored expression without another synthesis round trip.
package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/langhook-io/langhook/pkg/storeerr"
)

// Mapping is one fingerprint's cached transform (§3.3).
type Mapping struct {
	Fingerprint             string
	Source                  string
	EventName               string // "<resource type> <action>", e.g. "pull_request created"
	Expression              string
	DiscriminatorExpression string // optional; distinguishes events sharing a shape
	StructureSkeleton       map[string]any
	SynthesizedBy           string // "llm" or "manual"
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Store is the Postgres-backed ingest_mappings repository.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `fingerprint, source, event_name, expression, discriminator_expression, structure_skeleton, synthesized_by, created_at, updated_at`

func scanMapping(scan func(dest ...any) error) (Mapping, error) {
	var m Mapping
	var discriminator sql.NullString
	var skeleton []byte
	if err := scan(&m.Fingerprint, &m.Source, &m.EventName, &m.Expression, &discriminator, &skeleton, &m.SynthesizedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Mapping{}, err
	}
	m.DiscriminatorExpression = discriminator.String
	if len(skeleton) > 0 {
		if err := json.Unmarshal(skeleton, &m.StructureSkeleton); err != nil {
			return Mapping{}, fmt.Errorf("mapping: unmarshal structure_skeleton: %w", err)
		}
	}
	return m, nil
}

// Get looks up a mapping by fingerprint. Returns storeerr.ErrNotFound if no
// mapping has been cached for this shape yet.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ingest_mappings WHERE fingerprint = $1`,
		fingerprint,
	)
	m, err := scanMapping(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: get %q: %w", fingerprint, err)
	}
	return &m, nil
}

// Upsert stores a mapping, overwriting any previous expression for the same
// fingerprint — the common case when an operator edits a mapping, or the
// synthesiser re-derives one after an upstream payload shape drifts.
func (s *Store) Upsert(ctx context.Context, m Mapping) error {
	if m.Fingerprint == "" {
		return storeerr.NewValidationError("fingerprint is required")
	}
	if m.Expression == "" {
		return storeerr.NewValidationError("expression is required")
	}
	skeleton, err := json.Marshal(m.StructureSkeleton)
	if err != nil {
		return fmt.Errorf("mapping: marshal structure_skeleton: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_mappings (fingerprint, source, event_name, expression, discriminator_expression, structure_skeleton, synthesized_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET source = EXCLUDED.source,
		     event_name = EXCLUDED.event_name,
		     expression = EXCLUDED.expression,
		     discriminator_expression = EXCLUDED.discriminator_expression,
		     structure_skeleton = EXCLUDED.structure_skeleton,
		     synthesized_by = EXCLUDED.synthesized_by,
		     updated_at = now()`,
		m.Fingerprint, m.Source, m.EventName, m.Expression, nullableString(m.DiscriminatorExpression), skeleton, m.SynthesizedBy,
	)
	if err != nil {
		return fmt.Errorf("mapping: upsert %q: %w", m.Fingerprint, err)
	}
	return nil
}

// Refresh discards any cached mapping for fingerprint and inserts expression
// as a brand new row, used when an operator deliberately throws away a bad
// LLM-synthesized mapping and wants a clean resynthesis rather than an
// update that preserves the original created_at.
func (s *Store) Refresh(ctx context.Context, m Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapping: refresh %q: begin tx: %w", m.Fingerprint, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_mappings WHERE fingerprint = $1`, m.Fingerprint); err != nil {
		return fmt.Errorf("mapping: refresh %q: delete: %w", m.Fingerprint, err)
	}
	skeleton, err := json.Marshal(m.StructureSkeleton)
	if err != nil {
		return fmt.Errorf("mapping: marshal structure_skeleton: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_mappings (fingerprint, source, event_name, expression, discriminator_expression, structure_skeleton, synthesized_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		m.Fingerprint, m.Source, m.EventName, m.Expression, nullableString(m.DiscriminatorExpression), skeleton, m.SynthesizedBy,
	); err != nil {
		return fmt.Errorf("mapping: refresh %q: insert: %w", m.Fingerprint, err)
	}
	return tx.Commit()
}

// Delete removes a cached mapping, forcing the next matching payload to go
// through LLM synthesis again.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_mappings WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("mapping: delete %q: %w", fingerprint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mapping: delete %q: %w", fingerprint, err)
	}
	if n == 0 {
		return storeerr.ErrNotFound
	}
	return nil
}

// ListBySource returns every cached mapping for a given webhook source,
// e.g. to show an operator what shapes have been learned.
func (s *Store) ListBySource(ctx context.Context, source string) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM ingest_mappings WHERE source = $1 ORDER BY created_at DESC`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("mapping: list by source %q: %w", source, err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("mapping: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
