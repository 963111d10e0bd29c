package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upUsernameFold, downUsernameFold)
}

// username_fold holds the lowercased handle for text search. SQLite's LOWER
// leaves non-ASCII letters alone, so existing rows are folded in Go.
func upUsernameFold(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`ALTER TABLE identities ADD COLUMN username_fold TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("adding username_fold: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, backend_username FROM identities`)
	if err != nil {
		return fmt.Errorf("reading handles: %w", err)
	}
	folded := make(map[string]string)
	for rows.Next() {
		var id, handle string
		if err := rows.Scan(&id, &handle); err != nil {
			rows.Close()
			return fmt.Errorf("scanning handle: %w", err)
		}
		folded[id] = strings.ToLower(handle)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("reading handles: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading handles: %w", err)
	}

	for id, fold := range folded {
		if _, err := tx.ExecContext(ctx,
			`UPDATE identities SET username_fold = ? WHERE id = ?`, fold, id); err != nil {
			return fmt.Errorf("folding handle %s: %w", id, err)
		}
	}
	return nil
}

func downUsernameFold(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE identities DROP COLUMN username_fold`); err != nil {
		return fmt.Errorf("dropping username_fold: %w", err)
	}
	return nil
}
