// Package store provides the relational backends rows are reconciled into.
// Each dialect implements the same Backend interface; everything above it is
// backend-agnostic.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/marshview/dirsync/models"
)

// ColumnKind is the backend-independent column type a field maps to.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInteger
	KindFloat
	KindTimestamp
	KindJSON
)

func (k ColumnKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	}
	return "text"
}

// Column is one destination column. Kinds never change once created;
// evolution only adds columns.
type Column struct {
	Name     string
	Kind     ColumnKind
	Nullable bool
}

// Reserved column names present in every destination table.
const (
	ColKey      = "_sync_key"
	ColHash     = "_sync_hash"
	ColLastSeen = "_sync_last_seen"
)

// ReservedColumns returns the bookkeeping columns every table starts with.
func ReservedColumns() []Column {
	return []Column{
		{Name: ColKey, Kind: KindText},
		{Name: ColHash, Kind: KindText},
		{Name: ColLastSeen, Kind: KindTimestamp},
	}
}

// StoredRow is what a key lookup returns: enough to decide insert vs update
// vs skip, plus any extra columns the caller asked for.
type StoredRow struct {
	Key      string
	Hash     string
	LastSeen time.Time
	Values   map[string]string
}

// Row is one reconciled record ready to be written.
type Row struct {
	Key      string
	Hash     string
	LastSeen time.Time
	Columns  map[string]interface{}
}

// WriteError reports a per-record write failure (constraint violation, lost
// connection, synthesized-key collision). Prior writes in the cycle stand.
type WriteError struct {
	Backend string
	Table   string
	Key     string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: write to %s (key %s) failed: %v", e.Backend, e.Table, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Backend is one relational destination.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	// ListColumns reports the table's current columns; a missing table
	// yields an empty slice, not an error.
	ListColumns(ctx context.Context, table string) ([]Column, error)
	EnsureTable(ctx context.Context, table string, cols []Column) error
	EnsureColumn(ctx context.Context, table string, col Column) error
	// FetchRow looks a row up by key, returning nil when absent. extra
	// names additional columns to read back alongside the bookkeeping ones.
	FetchRow(ctx context.Context, table, key string, extra []string) (*StoredRow, error)
	UpsertRow(ctx context.Context, table string, row Row) error
	Close() error
}

// Open builds every backend enabled in the configuration.
func Open(cfg models.DatabaseConfig) ([]Backend, error) {
	var backends []Backend
	for _, name := range cfg.Backends {
		switch name {
		case "sqlite", "sqlite3":
			b, err := OpenSqlite(cfg.SqlitePath)
			if err != nil {
				return nil, fmt.Errorf("error opening sqlite backend: %w", err)
			}
			backends = append(backends, b)
		case "postgres", "postgresql":
			if cfg.Postgres == nil {
				return nil, fmt.Errorf("postgres backend enabled without a connection string")
			}
			b, err := OpenPostgres(cfg.Postgres.ConnectionString)
			if err != nil {
				return nil, fmt.Errorf("error opening postgres backend: %w", err)
			}
			backends = append(backends, b)
		case "mysql":
			if cfg.MySQL == nil {
				return nil, fmt.Errorf("mysql backend enabled without a connection string")
			}
			b, err := OpenMySQL(cfg.MySQL.ConnectionString)
			if err != nil {
				return nil, fmt.Errorf("error opening mysql backend: %w", err)
			}
			backends = append(backends, b)
		case "mssql", "sqlserver":
			if cfg.MSSQL == nil {
				return nil, fmt.Errorf("mssql backend enabled without a connection string")
			}
			b, err := OpenMSSQL(cfg.MSSQL.ConnectionString)
			if err != nil {
				return nil, fmt.Errorf("error opening mssql backend: %w", err)
			}
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("unsupported database backend: %s", name)
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no storage backends configured")
	}
	return backends, nil
}
