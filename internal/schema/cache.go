package schema

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Cache snapshots table and view columns from information_schema once and
// serves them until Invalidate is called.
type Cache struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string][]string
}

// NewCache creates an empty cache over db.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Invalidate drops the snapshot; the next lookup reloads it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tables = nil
	c.mu.Unlock()
}

func (c *Cache) snapshot(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables != nil {
		return c.tables, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT table_name, column_name
		 FROM information_schema.columns
		 WHERE table_schema = 'main'
		 ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, eris.Wrap(err, "schema: load column cache")
	}
	defer rows.Close() //nolint:errcheck

	tables := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, eris.Wrap(err, "schema: scan column cache")
		}
		tables[table] = append(tables[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "schema: iterate column cache")
	}
	c.tables = tables
	return tables, nil
}

// Columns returns the columns of a table or view in ordinal order, or nil
// when it does not exist.
func (c *Cache) Columns(ctx context.Context, table string) ([]string, error) {
	tables, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), tables[table]...), nil
}

// HasTable reports whether a table or view exists.
func (c *Cache) HasTable(ctx context.Context, table string) (bool, error) {
	tables, err := c.snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := tables[table]
	return ok, nil
}

// HasColumn reports whether table has column.
func (c *Cache) HasColumn(ctx context.Context, table, column string) (bool, error) {
	cols, err := c.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, col := range cols {
		if col == column {
			return true, nil
		}
	}
	return false, nil
}

// Tables returns every table and view name, sorted.
func (c *Cache) Tables(ctx context.Context) ([]string, error) {
	tables, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
