package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreatePayloadGINIndex creates a GIN index over event_logs.payload so
// queries can filter by payload content without a sequential scan. Not expressible through a plain CREATE TABLE migration
// because jsonb_path_ops indexes are created after the table exists.
func CreatePayloadGINIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_payload_gin
		ON event_logs USING gin(payload jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create payload GIN index: %w", err)
	}
	return nil
}
