package schema

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/marshview/dirsync/record"
	"github.com/marshview/dirsync/store"
)

// Error reports a DDL failure. It aborts only the affected endpoint's cycle.
type Error struct {
	Backend string
	Table   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema change on %s.%s failed: %v", e.Backend, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Diff describes what Ensure changed.
type Diff struct {
	CreatedTable bool
	AddedColumns []store.Column
}

// tableState caches the known columns of one (backend, table) pair so no
// per-record schema re-query is needed.
type tableState struct {
	mu      sync.Mutex // serializes column additions for this table
	created bool
	columns map[string]store.ColumnKind
}

// Manager grows destination tables additively: a column's kind never changes
// and nothing is ever dropped.
type Manager struct {
	mu     sync.RWMutex
	tables map[string]*tableState
}

func NewManager() *Manager {
	return &Manager{tables: make(map[string]*tableState)}
}

func cacheKey(backend store.Backend, table string) string {
	return backend.Name() + "." + table
}

// Warm populates the column cache for a table from the live database, so a
// restart does not re-issue DDL for columns that already exist.
func (m *Manager) Warm(ctx context.Context, backend store.Backend, table string) error {
	cols, err := backend.ListColumns(ctx, table)
	if err != nil {
		return &Error{Backend: backend.Name(), Table: table, Err: err}
	}
	if len(cols) == 0 {
		return nil
	}

	state := m.state(backend, table)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.created = true
	for _, c := range cols {
		state.columns[c.Name] = c.Kind
	}
	log.WithFields(log.Fields{"backend": backend.Name(), "table": table, "columns": len(cols)}).Debug("warmed schema cache")
	return nil
}

// Ensure makes the table able to hold every field in the sample batch:
// creates the table on first sight, adds exactly one column per new field.
// Safe for concurrent use; additions for the same table are serialized.
func (m *Manager) Ensure(ctx context.Context, backend store.Backend, table string, sample []record.Record) (Diff, error) {
	var diff Diff
	if len(sample) == 0 {
		return diff, nil
	}

	wanted := InferColumns(sample)
	state := m.state(backend, table)

	// Fast path: everything already known
	if state.hasAll(wanted) {
		return diff, nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.created {
		cols := append(store.ReservedColumns(), wanted...)
		if err := backend.EnsureTable(ctx, table, cols); err != nil {
			return diff, &Error{Backend: backend.Name(), Table: table, Err: err}
		}
		state.created = true
		for _, c := range cols {
			state.columns[c.Name] = c.Kind
		}
		diff.CreatedTable = true
		diff.AddedColumns = wanted
		return diff, nil
	}

	for _, col := range wanted {
		if _, known := state.columns[col.Name]; known {
			continue
		}
		if err := backend.EnsureColumn(ctx, table, col); err != nil {
			return diff, &Error{Backend: backend.Name(), Table: table, Err: err}
		}
		state.columns[col.Name] = col.Kind
		diff.AddedColumns = append(diff.AddedColumns, col)
	}
	return diff, nil
}

// Columns snapshots the cached column kinds for a table.
func (m *Manager) Columns(backend store.Backend, table string) map[string]store.ColumnKind {
	state := m.state(backend, table)
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make(map[string]store.ColumnKind, len(state.columns))
	for name, kind := range state.columns {
		out[name] = kind
	}
	return out
}

func (m *Manager) state(backend store.Backend, table string) *tableState {
	key := cacheKey(backend, table)

	m.mu.RLock()
	state, ok := m.tables[key]
	m.mu.RUnlock()
	if ok {
		return state
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok = m.tables[key]; !ok {
		state = &tableState{columns: make(map[string]store.ColumnKind)}
		m.tables[key] = state
	}
	return state
}

func (s *tableState) hasAll(cols []store.Column) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return false
	}
	for _, c := range cols {
		if _, ok := s.columns[c.Name]; !ok {
			return false
		}
	}
	return true
}
