package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
)

// applyPragmas applies optional SQLite tuning when BRIDGE_SQLITE_TUNING=1.
// Pragma failures are ignored; tuning is best effort.
func applyPragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("BRIDGE_SQLITE_TUNING") != "1" {
		return
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA mmap_size=268435456;",
	}
	for _, pragma := range pragmas {
		applyPragma(ctx, db, pragma)
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_, _ = db.ExecContext(ctx, pragma)
		}
	}
}
