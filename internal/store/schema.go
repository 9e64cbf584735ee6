package store

import (
	"embed"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var migrationFS embed.FS

const currentSchemaVersion = 1

// migrate applies every versioned migration above the schema's current
// version, in order. Migrations are idempotent in the sense that a
// database already at currentSchemaVersion is a no-op; they are never
// destructive across minor versions, per spec §4.1.
func migrate(db *sqlx.DB) error {
	var version int
	var metaTableCount int
	if err := db.Get(&metaTableCount, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='meta'`); err != nil {
		return wrap("migrate: check meta", err)
	}
	if metaTableCount > 0 {
		if err := db.Get(&version, `SELECT value FROM meta WHERE key = 'schema_version'`); err != nil {
			version = 0
		}
	}

	entries, err := fs.Glob(migrationFS, "sql/*.sql")
	if err != nil {
		return wrap("migrate: glob", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		v := migrationVersion(name)
		if v <= version {
			continue
		}
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return wrap("migrate: read "+name, err)
		}
		tx, err := db.Beginx()
		if err != nil {
			return wrap("migrate: begin", err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return wrap("migrate: apply "+name, err)
		}
		if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v)); err != nil {
			tx.Rollback()
			return wrap("migrate: stamp version", err)
		}
		if err := tx.Commit(); err != nil {
			return wrap("migrate: commit "+name, err)
		}
		version = v
	}
	return nil
}

func migrationVersion(path string) int {
	base := path[strings.LastIndex(path, "/")+1:]
	digits := strings.SplitN(base, "_", 2)[0]
	v, _ := strconv.Atoi(digits)
	return v
}
