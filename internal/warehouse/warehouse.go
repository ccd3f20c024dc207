// Package warehouse opens the DuckDB analytics database.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rotisserie/eris"
)

// Tables lists the star-schema tables in load order.
var Tables = []string{
	"dim_scenario",
	"dim_time",
	"dim_geography",
	"dim_landuse",
	"fact_landuse_transitions",
	"schema_version",
}

// Open opens the database at path. An empty path opens an in-memory
// database. Read-only handles can be shared with other readers but never
// write.
func Open(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	dsn := path
	if readOnly {
		if path == "" {
			return nil, eris.New("warehouse: read-only requires a database file")
		}
		dsn = path + "?access_mode=read_only"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: open %s", path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrapf(err, "warehouse: connect %s", path)
	}
	return db, nil
}

// TableExists reports whether a base table or view named name exists.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ?`,
		name,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "warehouse: lookup table %s", name)
	}
	return n > 0, nil
}

// RowCounts returns the row count of each existing star-schema table.
// Missing tables are omitted.
func RowCounts(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, table := range Tables {
		ok, err := TableExists(ctx, db, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var n int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "warehouse: count %s", table)
		}
		counts[table] = n
	}
	return counts, nil
}
