// Package dataset opens the database behind the built-in loans dataset
// used when a query names no tenant connection.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DuckDBScheme selects an embedded DuckDB database. The remainder of the DSN
// is a file path; an empty path keeps the database in memory.
const DuckDBScheme = "duckdb://"

// Handle is an opened dataset database. Owned is false when the handle is the
// fallback passed to Open and must not be closed by the caller.
type Handle struct {
	DB     *sql.DB
	Driver string
	Owned  bool
}

func (h Handle) Close() error {
	if !h.Owned || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

// Open resolves dsn to a database. An empty dsn returns fallback, a duckdb://
// dsn opens and seeds an embedded database, and anything else is treated as
// a PostgreSQL connection string.
func Open(ctx context.Context, dsn string, fallback *sql.DB) (Handle, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		if fallback == nil {
			return Handle{}, fmt.Errorf("dataset dsn is required without a fallback database")
		}
		return Handle{DB: fallback, Driver: "pgx"}, nil
	case strings.HasPrefix(dsn, DuckDBScheme):
		db, err := OpenDuckDB(ctx, strings.TrimPrefix(dsn, DuckDBScheme))
		if err != nil {
			return Handle{}, err
		}
		return Handle{DB: db, Driver: "duckdb", Owned: true}, nil
	default:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return Handle{}, fmt.Errorf("open dataset db: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return Handle{}, fmt.Errorf("ping dataset db: %w", err)
		}
		return Handle{DB: db, Driver: "pgx", Owned: true}, nil
	}
}
