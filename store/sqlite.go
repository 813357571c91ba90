package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteDialect struct{}

// OpenSqlite opens (creating if needed) a SQLite database file. ":memory:"
// is accepted for tests.
func OpenSqlite(path string) (Backend, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating directory for sqlite database: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// WAL keeps readers unblocked during sync writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil && path != ":memory:" {
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &sqlBackend{db: db, d: sqliteDialect{}}, nil
}

func (sqliteDialect) name() string    { return "sqlite" }
func (sqliteDialect) keyType() string { return "TEXT" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) columnType(k ColumnKind) string {
	switch k {
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindTimestamp:
		// SQLite has no native timestamp; ISO-8601 text sorts correctly
		return "TEXT"
	case KindJSON:
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) createTableSQL(table string, cols []Column) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		d.quoteIdent(table),
		strings.Join(columnDefs(d, cols), ", "),
	)
}

func (d sqliteDialect) addColumnSQL(table string, col Column) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		d.quoteIdent(table), d.quoteIdent(col.Name), d.columnType(col.Kind),
	)
}

func (d sqliteDialect) upsertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = d.quoteIdent(c)
		marks[i] = "?"
		if c != ColKey {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", d.quoteIdent(c), d.quoteIdent(c)))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		d.quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(marks, ", "),
		d.quoteIdent(ColKey),
		strings.Join(updates, ", "),
	)
}

func (sqliteDialect) listColumnsQuery(table string) (string, []interface{}) {
	return "SELECT name, type FROM pragma_table_info(?)", []interface{}{table}
}

func (sqliteDialect) kindFromDBType(dbType string) ColumnKind {
	switch strings.ToUpper(dbType) {
	case "INTEGER":
		return KindInteger
	case "REAL":
		return KindFloat
	default:
		return KindText
	}
}
