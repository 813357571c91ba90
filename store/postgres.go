package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

// OpenPostgres connects to PostgreSQL using a lib/pq connection string or URL.
func OpenPostgres(connectionString string) (Backend, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	return &sqlBackend{db: db, d: postgresDialect{}}, nil
}

func (postgresDialect) name() string    { return "postgres" }
func (postgresDialect) keyType() string { return "TEXT" }

func (postgresDialect) placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (postgresDialect) quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (postgresDialect) columnType(k ColumnKind) string {
	switch k {
	case KindInteger:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE PRECISION"
	case KindTimestamp:
		return "TIMESTAMPTZ"
	case KindJSON:
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) createTableSQL(table string, cols []Column) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		d.quoteIdent(table),
		strings.Join(columnDefs(d, cols), ", "),
	)
}

func (d postgresDialect) addColumnSQL(table string, col Column) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		d.quoteIdent(table), d.quoteIdent(col.Name), d.columnType(col.Kind),
	)
}

func (d postgresDialect) upsertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = d.quoteIdent(c)
		marks[i] = d.placeholder(i + 1)
		if c != ColKey {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", d.quoteIdent(c), d.quoteIdent(c)))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(marks, ", "),
		d.quoteIdent(ColKey),
		strings.Join(updates, ", "),
	)
}

func (postgresDialect) listColumnsQuery(table string) (string, []interface{}) {
	return "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = current_schema()",
		[]interface{}{table}
}

func (postgresDialect) kindFromDBType(dbType string) ColumnKind {
	switch strings.ToLower(dbType) {
	case "bigint", "integer", "smallint":
		return KindInteger
	case "double precision", "real", "numeric":
		return KindFloat
	case "timestamp with time zone", "timestamp without time zone", "date":
		return KindTimestamp
	default:
		return KindText
	}
}
