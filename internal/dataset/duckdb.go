package dataset

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
)

//go:embed loans_duckdb.sql
var duckDBSchema string

//go:embed loans_seed_duckdb.sql
var duckDBSeed string

// OpenDuckDB opens the embedded database at path, creating and seeding the
// loans table on first use. External file and network access is disabled
// before the handle is returned so queries can only see the loaded tables.
func OpenDuckDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := seedDuckDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, statement := range []string{
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure duckdb: %w", err)
		}
	}
	return db, nil
}

func seedDuckDB(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, duckDBSchema); err != nil {
		return fmt.Errorf("create loans table: %w", err)
	}

	var rows int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM loans").Scan(&rows); err != nil {
		return fmt.Errorf("count loans: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, duckDBSeed); err != nil {
		return fmt.Errorf("seed loans: %w", err)
	}
	return nil
}
