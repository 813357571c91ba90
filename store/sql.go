package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// dialect captures what differs between the SQL backends: placeholders,
// quoting, type names, DDL and upsert syntax, and column introspection.
type dialect interface {
	name() string
	// keyType is the primary-key column type; MySQL and SQL Server cannot
	// key on unbounded text.
	keyType() string
	placeholder(i int) string
	quoteIdent(ident string) string
	columnType(k ColumnKind) string
	createTableSQL(table string, cols []Column) string
	addColumnSQL(table string, col Column) string
	upsertSQL(table string, cols []string) string
	listColumnsQuery(table string) (query string, args []interface{})
	kindFromDBType(dbType string) ColumnKind
}

// sqlBackend is the shared engine behind every dialect.
type sqlBackend struct {
	db *sql.DB
	d  dialect
}

func (b *sqlBackend) Name() string { return b.d.name() }

func (b *sqlBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqlBackend) Close() error { return b.db.Close() }

func (b *sqlBackend) ListColumns(ctx context.Context, table string) ([]Column, error) {
	query, args := b.d.listColumnsQuery(table)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: listing columns of %s: %w", b.Name(), table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, dbType string
		if err := rows.Scan(&name, &dbType); err != nil {
			return nil, fmt.Errorf("%s: scanning column info: %w", b.Name(), err)
		}
		cols = append(cols, Column{Name: name, Kind: b.d.kindFromDBType(dbType), Nullable: true})
	}
	return cols, rows.Err()
}

func (b *sqlBackend) EnsureTable(ctx context.Context, table string, cols []Column) error {
	ddl := b.d.createTableSQL(table, cols)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%s: creating table %s: %w", b.Name(), table, err)
	}
	log.WithFields(log.Fields{"backend": b.Name(), "table": table}).Info("ensured table")
	return nil
}

func (b *sqlBackend) EnsureColumn(ctx context.Context, table string, col Column) error {
	ddl := b.d.addColumnSQL(table, col)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%s: adding column %s to %s: %w", b.Name(), col.Name, table, err)
	}
	log.WithFields(log.Fields{
		"backend": b.Name(),
		"table":   table,
		"column":  col.Name,
		"kind":    col.Kind.String(),
	}).Info("added column")
	return nil
}

func (b *sqlBackend) FetchRow(ctx context.Context, table, key string, extra []string) (*StoredRow, error) {
	selected := []string{ColHash, ColLastSeen}
	selected = append(selected, extra...)

	quoted := make([]string, len(selected))
	for i, c := range selected {
		quoted[i] = b.d.quoteIdent(c)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = %s",
		strings.Join(quoted, ", "),
		b.d.quoteIdent(table),
		b.d.quoteIdent(ColKey),
		b.d.placeholder(1),
	)

	dest := make([]interface{}, len(selected))
	var hash sql.NullString
	var lastSeen interface{}
	dest[0] = &hash
	dest[1] = &lastSeen
	extras := make([]sql.NullString, len(extra))
	for i := range extra {
		dest[2+i] = &extras[i]
	}

	err := b.db.QueryRowContext(ctx, query, key).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &WriteError{Backend: b.Name(), Table: table, Key: key, Err: fmt.Errorf("fetching row: %w", err)}
	}

	row := &StoredRow{Key: key, Hash: hash.String, Values: make(map[string]string, len(extra))}
	row.LastSeen = parseStoredTime(lastSeen)
	for i, name := range extra {
		if extras[i].Valid {
			row.Values[name] = extras[i].String
		}
	}
	return row, nil
}

func (b *sqlBackend) UpsertRow(ctx context.Context, table string, row Row) error {
	cols := []string{ColKey, ColHash, ColLastSeen}
	vals := []interface{}{row.Key, row.Hash, row.LastSeen.UTC()}
	for name, v := range row.Columns {
		cols = append(cols, name)
		vals = append(vals, v)
	}

	query := b.d.upsertSQL(table, cols)
	if _, err := b.db.ExecContext(ctx, query, vals...); err != nil {
		return &WriteError{Backend: b.Name(), Table: table, Key: row.Key, Err: err}
	}
	return nil
}

// parseStoredTime tolerates the different shapes drivers hand back for the
// last-seen column.
func parseStoredTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// columnDefs renders "name TYPE" pairs for CREATE TABLE.
func columnDefs(d dialect, cols []Column) []string {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		var def string
		if c.Name == ColKey {
			def = fmt.Sprintf("%s %s PRIMARY KEY", d.quoteIdent(c.Name), d.keyType())
		} else {
			def = fmt.Sprintf("%s %s", d.quoteIdent(c.Name), d.columnType(c.Kind))
		}
		defs = append(defs, def)
	}
	return defs
}
