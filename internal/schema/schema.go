// Package schema applies the versioned star-schema DDL to the analytics
// database and decides whether an existing database can be read safely.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/model"
)

//go:embed ddl/*.sql
var ddlFS embed.FS

// CurrentVersion is the schema this build writes.
const CurrentVersion = "2.1.0"

// compatibility lists, per version, the versions it can read.
var compatibility = map[string][]string{
	"2.1.0": {"2.1.0", "2.0.0"},
	"2.0.0": {"2.0.0"},
	"1.0.0": {"1.0.0"},
}

var descriptions = map[string]string{
	"1.0.0": "star schema with per-model transitions",
	"2.0.0": "ensemble spread columns on fact_landuse_transitions",
	"2.1.0": "composite fact index and comparison views",
}

// Compatible reports whether a database at version detected can be used by
// code written for version current.
func Compatible(current, detected string) bool {
	for _, v := range compatibility[current] {
		if v == detected {
			return true
		}
	}
	return false
}

// Detection sources.
const (
	SourceTable     = "version_table"
	SourceStructure = "structure"
	SourceNone      = "none"
)

// Detection is the schema version found in a database and how it was found.
type Detection struct {
	Version string
	Source  string
}

// Fresh reports whether the database holds no star schema yet.
func (d Detection) Fresh() bool { return d.Source == SourceNone }

// Compatibility is the outcome of Check. Warning is set when Compatible is
// false; callers decide whether that is fatal.
type Compatibility struct {
	Current    string
	Detected   Detection
	Compatible bool
	Warning    string
}

// Options configures a Manager.
type Options struct {
	ReadOnly  bool
	AppliedBy string
}

// Manager owns DDL and version bookkeeping for one database handle.
type Manager struct {
	db    *sql.DB
	opts  Options
	cache *Cache
	log   *zap.Logger
}

// NewManager creates a Manager over db.
func NewManager(db *sql.DB, opts Options) *Manager {
	if opts.AppliedBy == "" {
		opts.AppliedBy = "rpa-landuse"
	}
	return &Manager{
		db:    db,
		opts:  opts,
		cache: NewCache(db),
		log:   zap.L().With(zap.String("component", "schema")),
	}
}

// Cache returns the manager's column cache.
func (m *Manager) Cache() *Cache { return m.cache }

// Detect finds the schema version, from schema_version when it has rows and
// from the shape of the fact table otherwise.
func (m *Manager) Detect(ctx context.Context) (Detection, error) {
	hasVersions, err := m.cache.HasTable(ctx, "schema_version")
	if err != nil {
		return Detection{}, err
	}
	if hasVersions {
		v, err := m.latestRecorded(ctx)
		if err != nil {
			return Detection{}, err
		}
		if v != "" {
			return Detection{Version: v, Source: SourceTable}, nil
		}
	}

	hasFact, err := m.cache.HasTable(ctx, "fact_landuse_transitions")
	if err != nil {
		return Detection{}, err
	}
	if !hasFact {
		return Detection{Source: SourceNone}, nil
	}
	hasSpread, err := m.cache.HasColumn(ctx, "fact_landuse_transitions", "acres_std_dev")
	if err != nil {
		return Detection{}, err
	}
	if !hasSpread {
		return Detection{Version: "1.0.0", Source: SourceStructure}, nil
	}
	hasViews, err := m.cache.HasTable(ctx, "v_scenario_comparisons")
	if err != nil {
		return Detection{}, err
	}
	if hasViews {
		return Detection{Version: "2.1.0", Source: SourceStructure}, nil
	}
	return Detection{Version: "2.0.0", Source: SourceStructure}, nil
}

func (m *Manager) latestRecorded(ctx context.Context) (string, error) {
	var v string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version ORDER BY applied_at DESC, rowid DESC LIMIT 1`,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "schema: read latest version")
	}
	return v, nil
}

// Check compares the detected version with CurrentVersion. A fresh database
// is always compatible.
func (m *Manager) Check(ctx context.Context) (Compatibility, error) {
	d, err := m.Detect(ctx)
	if err != nil {
		return Compatibility{}, err
	}
	c := Compatibility{Current: CurrentVersion, Detected: d, Compatible: true}
	if d.Fresh() || Compatible(CurrentVersion, d.Version) {
		return c, nil
	}

	c.Compatible = false
	if _, known := compatibility[d.Version]; !known {
		c.Warning = fmt.Sprintf("database schema %s (from %s) is unknown to this build (%s)", d.Version, d.Source, CurrentVersion)
	} else {
		c.Warning = fmt.Sprintf("database schema %s (from %s) is not compatible with %s; convert into a fresh database", d.Version, d.Source, CurrentVersion)
	}
	m.log.Warn("schema version mismatch",
		zap.String("detected", d.Version),
		zap.String("source", d.Source),
		zap.String("current", CurrentVersion),
	)
	return c, nil
}

// Apply creates any missing tables, indexes and views in dependency order
// and records CurrentVersion when the latest recorded version differs. An
// incompatible database is left untouched and reported through the returned
// Compatibility. Read-only handles skip all writes.
func (m *Manager) Apply(ctx context.Context) (Compatibility, error) {
	before, err := m.Check(ctx)
	if err != nil {
		return Compatibility{}, err
	}
	if m.opts.ReadOnly {
		m.log.Info("read-only connection, skipping schema writes", zap.String("detected", before.Detected.Version))
		return before, nil
	}
	if !before.Compatible {
		return before, nil
	}

	files, err := ddlFiles()
	if err != nil {
		return Compatibility{}, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Compatibility{}, eris.Wrap(err, "schema: begin ddl tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range files {
		data, err := ddlFS.ReadFile("ddl/" + name)
		if err != nil {
			return Compatibility{}, eris.Wrapf(err, "schema: read %s", name)
		}
		for _, stmt := range statements(string(data)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return Compatibility{}, eris.Wrapf(err, "schema: apply %s", name)
			}
		}
		m.log.Debug("ddl applied", zap.String("file", name))
	}
	if err := tx.Commit(); err != nil {
		return Compatibility{}, eris.Wrap(err, "schema: commit ddl")
	}
	m.cache.Invalidate()

	latest, err := m.latestRecorded(ctx)
	if err != nil {
		return Compatibility{}, err
	}
	if latest != CurrentVersion {
		if err := m.Record(ctx, CurrentVersion, descriptions[CurrentVersion]); err != nil {
			return Compatibility{}, err
		}
		m.log.Info("schema version recorded", zap.String("version", CurrentVersion), zap.String("previous", latest))
	}

	return m.Check(ctx)
}

// Record appends a schema_version row. Read-only handles skip it.
func (m *Manager) Record(ctx context.Context, version, description string) error {
	if m.opts.ReadOnly {
		m.log.Info("read-only connection, skipping version record", zap.String("version", version))
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO schema_version (version, description, applied_at, applied_by) VALUES (?, ?, ?, ?)`,
		version, description, time.Now().UTC(), m.opts.AppliedBy,
	)
	if err != nil {
		if isReadOnly(err) {
			m.log.Info("database is read-only, skipping version record", zap.String("version", version))
			return nil
		}
		return eris.Wrapf(err, "schema: record version %s", version)
	}
	m.cache.Invalidate()
	return nil
}

// History returns recorded versions, oldest first.
func (m *Manager) History(ctx context.Context) ([]model.SchemaVersion, error) {
	ok, err := m.cache.HasTable(ctx, "schema_version")
	if err != nil || !ok {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, coalesce(description, ''), applied_at, coalesce(applied_by, '')
		 FROM schema_version ORDER BY applied_at, rowid`)
	if err != nil {
		return nil, eris.Wrap(err, "schema: query history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SchemaVersion
	for rows.Next() {
		var v model.SchemaVersion
		if err := rows.Scan(&v.Version, &v.Description, &v.AppliedAt, &v.AppliedBy); err != nil {
			return nil, eris.Wrap(err, "schema: scan history")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "schema: iterate history")
}

func ddlFiles() ([]string, error) {
	entries, err := fs.ReadDir(ddlFS, "ddl")
	if err != nil {
		return nil, eris.Wrap(err, "schema: read ddl dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// statements splits a DDL file on semicolons, dropping empty and
// comment-only chunks.
func statements(ddl string) []string {
	var out []string
	for _, chunk := range strings.Split(ddl, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || onlyComments(chunk) {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

func onlyComments(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func isReadOnly(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "read-only") || strings.Contains(msg, "read only")
}
