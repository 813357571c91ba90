package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

type mysqlDialect struct{}

// OpenMySQL connects to MySQL using a go-sql-driver DSN. parseTime is
// required so last-seen round-trips as time.Time.
func OpenMySQL(dsn string) (Backend, error) {
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlBackend{db: db, d: mysqlDialect{}}, nil
}

func (mysqlDialect) name() string    { return "mysql" }
func (mysqlDialect) keyType() string { return "VARCHAR(255)" }

func (mysqlDialect) placeholder(int) string { return "?" }

func (mysqlDialect) quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) columnType(k ColumnKind) string {
	switch k {
	case KindInteger:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE"
	case KindTimestamp:
		return "DATETIME(6)"
	case KindJSON:
		return "LONGTEXT"
	default:
		return "TEXT"
	}
}

func (d mysqlDialect) createTableSQL(table string, cols []Column) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		d.quoteIdent(table),
		strings.Join(columnDefs(d, cols), ", "),
	)
}

func (d mysqlDialect) addColumnSQL(table string, col Column) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		d.quoteIdent(table), d.quoteIdent(col.Name), d.columnType(col.Kind),
	)
}

func (d mysqlDialect) upsertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = d.quoteIdent(c)
		marks[i] = "?"
		if c != ColKey {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", d.quoteIdent(c), d.quoteIdent(c)))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(marks, ", "),
		strings.Join(updates, ", "),
	)
}

func (mysqlDialect) listColumnsQuery(table string) (string, []interface{}) {
	return "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? AND table_schema = DATABASE()",
		[]interface{}{table}
}

func (mysqlDialect) kindFromDBType(dbType string) ColumnKind {
	switch strings.ToLower(dbType) {
	case "bigint", "int", "smallint", "tinyint", "mediumint":
		return KindInteger
	case "double", "float", "decimal":
		return KindFloat
	case "datetime", "timestamp", "date":
		return KindTimestamp
	default:
		return KindText
	}
}
