// Package migrations holds Go migrations registered with goose.
package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upBackfillPlatform, downBackfillPlatform)
}

// Identities created by the Telegram bot use a tg_ username prefix but were
// written before the platform column existed.
func upBackfillPlatform(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE identities SET platform = 'telegram'
		 WHERE platform = 'unknown' AND backend_username LIKE 'tg\_%' ESCAPE '\'`)
	if err != nil {
		return fmt.Errorf("backfilling telegram platform: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking backfilled rows: %w", err)
	}
	return nil
}

func downBackfillPlatform(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET platform = 'unknown' WHERE platform = 'telegram'`); err != nil {
		return fmt.Errorf("reverting telegram platform: %w", err)
	}
	return nil
}
