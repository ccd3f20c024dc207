// Package db holds the Postgres helpers publish uses to mirror the star
// schema: COPY for fact batches and staged upserts for dimensions.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Ident splits a dotted name such as "landuse.dim_time" into an identifier.
func Ident(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

// CopyInto writes rows to table, bare or schema-qualified, with the COPY
// protocol. Postgres reporting fewer rows than were sent is an error.
func CopyInto(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	ident := Ident(table)
	n, err := pool.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", ident.Sanitize())
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: copy into %s wrote %d of %d rows", ident.Sanitize(), n, len(rows))
	}
	return n, nil
}
