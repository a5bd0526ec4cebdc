// Package schemaregistry tracks every distinct (publisher, resource_type,
// action) triple the canonicaliser has ever produced (§4.3 step 6). The
// registry feeds the subscription pattern compiler's prompt so an LLM
// translating a natural-language subscription description knows which
// publishers and resource types actually exist, instead of guessing.
package schemaregistry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Entry is one row of the registry.
type Entry struct {
	Publisher    string
	ResourceType string
	Action       string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Store is the Postgres-backed event_schema_registry repository.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record upserts a (publisher, resource_type, action) triple, bumping
// last_seen_at. Called once per canonicalised event (§4.3 step 6); ON
// CONFLICT DO UPDATE keeps this idempotent under concurrent canonicalisers.
func (s *Store) Record(ctx context.Context, publisher, resourceType, action string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_schema_registry (publisher, resource_type, action, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (publisher, resource_type, action) DO UPDATE
		 SET last_seen_at = now()`,
		publisher, resourceType, action,
	)
	if err != nil {
		return fmt.Errorf("schemaregistry: record %s/%s/%s: %w", publisher, resourceType, action, err)
	}
	return nil
}

// List returns every known triple, ordered for stable prompt rendering.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT publisher, resource_type, action, first_seen_at, last_seen_at
		 FROM event_schema_registry ORDER BY publisher, resource_type, action`,
	)
	if err != nil {
		return nil, fmt.Errorf("schemaregistry: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Publisher, &e.ResourceType, &e.Action, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
			return nil, fmt.Errorf("schemaregistry: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByPublisher filters List to one publisher, e.g. to see what resource
// types github emits.
func (s *Store) ListByPublisher(ctx context.Context, publisher string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT publisher, resource_type, action, first_seen_at, last_seen_at
		 FROM event_schema_registry WHERE publisher = $1 ORDER BY resource_type, action`,
		publisher,
	)
	if err != nil {
		return nil, fmt.Errorf("schemaregistry: list by publisher %q: %w", publisher, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Publisher, &e.ResourceType, &e.Action, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
			return nil, fmt.Errorf("schemaregistry: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Vocabulary is the closed three-flat-list shape the pattern compiler's
// prompt construction consumes verbatim (SPEC_FULL.md §10.2): every known
// publisher, every known resource type keyed by publisher, and the full
// action vocabulary (deduplicated, since the canonical action enum is
// shared across publishers).
type Vocabulary struct {
	Publishers          []string
	ResourceTypesByPubl map[string][]string
	Actions             []string
}

// Lists builds the Vocabulary from a flat entry list, deduplicating and
// sorting for a stable prompt across calls.
func Lists(entries []Entry) Vocabulary {
	publisherSet := make(map[string]bool)
	resourceTypeSet := make(map[string]map[string]bool)
	actionSet := make(map[string]bool)

	for _, e := range entries {
		publisherSet[e.Publisher] = true
		if resourceTypeSet[e.Publisher] == nil {
			resourceTypeSet[e.Publisher] = make(map[string]bool)
		}
		resourceTypeSet[e.Publisher][e.ResourceType] = true
		actionSet[e.Action] = true
	}

	v := Vocabulary{ResourceTypesByPubl: make(map[string][]string)}
	for p := range publisherSet {
		v.Publishers = append(v.Publishers, p)
	}
	sort.Strings(v.Publishers)

	for p, types := range resourceTypeSet {
		var list []string
		for t := range types {
			list = append(list, t)
		}
		sort.Strings(list)
		v.ResourceTypesByPubl[p] = list
	}

	for a := range actionSet {
		v.Actions = append(v.Actions, a)
	}
	sort.Strings(v.Actions)

	return v
}

// Summary renders the registry as a human-readable text block: a
// "<publisher>:" line per publisher, then one indented
// "<resource_type> (<actions>)" line per resource type. The pattern
// compiler builds its prompt from Lists, not from Summary.
func Summary(entries []Entry) string {
	byPublisher := make(map[string]map[string]map[string]bool)
	order := make([]string, 0)
	for _, e := range entries {
		if _, ok := byPublisher[e.Publisher]; !ok {
			byPublisher[e.Publisher] = make(map[string]map[string]bool)
			order = append(order, e.Publisher)
		}
		if _, ok := byPublisher[e.Publisher][e.ResourceType]; !ok {
			byPublisher[e.Publisher][e.ResourceType] = make(map[string]bool)
		}
		byPublisher[e.Publisher][e.ResourceType][e.Action] = true
	}

	var out string
	for _, publisher := range order {
		out += publisher + ":\n"
		for resourceType, actions := range byPublisher[publisher] {
			out += "  " + resourceType + " ("
			first := true
			for action := range actions {
				if !first {
					out += ", "
				}
				out += action
				first = false
			}
			out += ")\n"
		}
	}
	return out
}
