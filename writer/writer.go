// Package writer reconciles fetched records into storage backends using
// content-hash change detection.
package writer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marshview/dirsync/record"
	"github.com/marshview/dirsync/store"
)

// Outcome classifies what one upsert did.
type Outcome int

const (
	// Inserted: the key was not present, a new row was written.
	Inserted Outcome = iota
	// Updated: the key existed with a different content hash.
	Updated
	// Skipped: the key existed with the same content hash; only the
	// last-seen timestamp was touched.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Writer performs per-record reconciliation against one or more backends.
// The now func is injectable for tests.
type Writer struct {
	now func() time.Time
}

func New() *Writer {
	return &Writer{now: time.Now}
}

// Upsert writes one record into a table, deciding insert vs update vs skip by
// comparing content hashes. cols carries the table's column kinds so values
// are coerced to what the column can hold.
func (w *Writer) Upsert(ctx context.Context, backend store.Backend, table string, rec record.Record, cols map[string]store.ColumnKind) (Outcome, error) {
	key := rec.PrimaryKey()
	hash := rec.Hash()
	synthesized := rec.TextField("id") == ""

	var extra []string
	if synthesized {
		extra = rec.IdentityFields()
	}

	stored, err := backend.FetchRow(ctx, table, key, extra)
	if err != nil {
		return Skipped, err
	}

	now := w.now().UTC()

	if stored == nil {
		row := store.Row{Key: key, Hash: hash, LastSeen: now, Columns: coerce(rec, cols)}
		if err := backend.UpsertRow(ctx, table, row); err != nil {
			return Skipped, err
		}
		return Inserted, nil
	}

	if stored.Hash == hash {
		// Unchanged content still proves the record is alive upstream.
		row := store.Row{Key: key, Hash: hash, LastSeen: now}
		if err := backend.UpsertRow(ctx, table, row); err != nil {
			return Skipped, err
		}
		return Skipped, nil
	}

	if synthesized {
		if field, got, want, collided := identityMismatch(rec, stored); collided {
			return Skipped, &store.WriteError{
				Backend: backend.Name(),
				Table:   table,
				Key:     key,
				Err:     fmt.Errorf("synthesized key collision: stored %s=%q, incoming %s=%q", field, want, field, got),
			}
		}
	}

	row := store.Row{Key: key, Hash: hash, LastSeen: now, Columns: coerce(rec, cols)}
	if err := backend.UpsertRow(ctx, table, row); err != nil {
		return Skipped, err
	}
	log.WithFields(log.Fields{"backend": backend.Name(), "table": table, "key": key}).Debug("record content changed")
	return Updated, nil
}

// identityMismatch reports whether the stored row's identity columns disagree
// with the incoming record, meaning two distinct objects share a fingerprint.
func identityMismatch(rec record.Record, stored *store.StoredRow) (field, got, want string, collided bool) {
	for _, f := range rec.IdentityFields() {
		want, ok := stored.Values[f]
		if !ok || want == "" {
			continue
		}
		got := rec.TextField(f)
		if got != "" && got != want {
			return f, got, want, true
		}
	}
	return "", "", "", false
}

// coerce maps each record field to a driver-friendly value matching the
// destination column's kind. A value that cannot fit its column falls back to
// its flat text form.
func coerce(rec record.Record, cols map[string]store.ColumnKind) map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for name, v := range rec {
		if v.IsNull() {
			out[name] = nil
			continue
		}
		kind, ok := cols[name]
		if !ok {
			kind = store.KindText
		}
		out[name] = coerceValue(v, kind)
	}
	return out
}

func coerceValue(v record.Value, kind store.ColumnKind) interface{} {
	switch kind {
	case store.KindInteger:
		switch v.Kind() {
		case record.KindInt:
			return v.Int()
		case record.KindBool:
			if v.Bool() {
				return int64(1)
			}
			return int64(0)
		case record.KindText:
			if i, err := strconv.ParseInt(strings.TrimSpace(v.Text()), 10, 64); err == nil {
				return i
			}
		}
	case store.KindFloat:
		switch v.Kind() {
		case record.KindFloat:
			return v.Float()
		case record.KindInt:
			return float64(v.Int())
		case record.KindText:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Text()), 64); err == nil {
				return f
			}
		}
	case store.KindTimestamp:
		switch v.Kind() {
		case record.KindTimestamp:
			return v.Time().UTC()
		case record.KindText:
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v.Text())); err == nil {
				return t.UTC()
			}
			if t, err := time.Parse("2006-01-02T15:04:05", strings.TrimSpace(v.Text())); err == nil {
				return t.UTC()
			}
		}
		// Native timestamp columns reject arbitrary text; values that do
		// not parse are stored as NULL.
		return nil
	case store.KindJSON:
		return v.Canonical()
	}
	return v.String()
}
