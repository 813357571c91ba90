package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
)

type mssqlDialect struct{}

// OpenMSSQL connects to SQL Server using a go-mssqldb connection string.
func OpenMSSQL(connectionString string) (Backend, error) {
	db, err := sql.Open("sqlserver", connectionString)
	if err != nil {
		return nil, err
	}
	return &sqlBackend{db: db, d: mssqlDialect{}}, nil
}

func (mssqlDialect) name() string    { return "mssql" }
func (mssqlDialect) keyType() string { return "NVARCHAR(255)" }

func (mssqlDialect) placeholder(i int) string { return fmt.Sprintf("@p%d", i) }

func (mssqlDialect) quoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (mssqlDialect) columnType(k ColumnKind) string {
	switch k {
	case KindInteger:
		return "BIGINT"
	case KindFloat:
		return "FLOAT"
	case KindTimestamp:
		return "DATETIMEOFFSET"
	case KindJSON:
		return "NVARCHAR(MAX)"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (d mssqlDialect) createTableSQL(table string, cols []Column) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"),
		d.quoteIdent(table),
		strings.Join(columnDefs(d, cols), ", "),
	)
}

func (d mssqlDialect) addColumnSQL(table string, col Column) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD %s %s",
		d.quoteIdent(table), d.quoteIdent(col.Name), d.columnType(col.Kind),
	)
}

// upsertSQL emits a HOLDLOCK merge so concurrent upserts for the same key
// serialize instead of racing into duplicate inserts.
func (d mssqlDialect) upsertSQL(table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	var updates []string
	var inserts []string
	for i, c := range cols {
		quoted[i] = d.quoteIdent(c)
		marks[i] = d.placeholder(i + 1)
		inserts = append(inserts, "src."+d.quoteIdent(c))
		if c != ColKey {
			updates = append(updates, fmt.Sprintf("target.%s = src.%s", d.quoteIdent(c), d.quoteIdent(c)))
		}
	}

	srcCols := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = fmt.Sprintf("%s AS %s", marks[i], d.quoteIdent(c))
	}

	return fmt.Sprintf(
		"MERGE %s WITH (HOLDLOCK) AS target USING (SELECT %s) AS src ON target.%s = src.%s "+
			"WHEN MATCHED THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		d.quoteIdent(table),
		strings.Join(srcCols, ", "),
		d.quoteIdent(ColKey),
		d.quoteIdent(ColKey),
		strings.Join(updates, ", "),
		strings.Join(quoted, ", "),
		strings.Join(inserts, ", "),
	)
}

func (mssqlDialect) listColumnsQuery(table string) (string, []interface{}) {
	return "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = @p1",
		[]interface{}{table}
}

func (mssqlDialect) kindFromDBType(dbType string) ColumnKind {
	switch strings.ToLower(dbType) {
	case "bigint", "int", "smallint", "tinyint":
		return KindInteger
	case "float", "real", "decimal", "numeric":
		return KindFloat
	case "datetimeoffset", "datetime", "datetime2", "date":
		return KindTimestamp
	default:
		return KindText
	}
}
