// Package schema infers column kinds from observed records and grows
// destination tables additively.
package schema

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marshview/dirsync/record"
	"github.com/marshview/dirsync/store"
)

// Field-name fragments that mark a column as a timestamp regardless of the
// observed values.
var timestampNameParts = []string{"date", "time", "created", "updated", "modified", "enrolled", "last_sync"}

var timestampNameSuffixes = []string{"_at", "_on"}

func timestampName(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range timestampNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	for _, suffix := range timestampNameSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// InferKind decides the column kind for one field across an observed batch.
// Order matters: timestamp by name or value, then structured, then integer,
// then float, then text.
func InferKind(name string, values []record.Value) store.ColumnKind {
	if timestampName(name) {
		return store.KindTimestamp
	}

	sawValue := false
	allInts := true
	allFloats := true

	for _, v := range values {
		if v.IsNull() {
			continue
		}
		sawValue = true

		switch v.Kind() {
		case record.KindTimestamp:
			return store.KindTimestamp
		case record.KindArray, record.KindObject:
			return store.KindJSON
		case record.KindInt, record.KindBool:
			// booleans fold into integers
		case record.KindFloat:
			allInts = false
		case record.KindText:
			if parsesISO8601(v.Text()) {
				return store.KindTimestamp
			}
			if _, err := strconv.ParseInt(strings.TrimSpace(v.Text()), 10, 64); err != nil {
				allInts = false
				if _, err := strconv.ParseFloat(strings.TrimSpace(v.Text()), 64); err != nil {
					allFloats = false
				}
			}
		}
	}

	switch {
	case !sawValue:
		return store.KindText
	case allInts:
		return store.KindInteger
	case allFloats:
		return store.KindFloat
	default:
		return store.KindText
	}
}

func parsesISO8601(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	if _, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return true
	}
	return false
}

// InferColumns computes one column per field observed anywhere in the batch,
// in sorted order for deterministic DDL.
func InferColumns(records []record.Record) []store.Column {
	observed := make(map[string][]record.Value)
	for _, r := range records {
		for name, v := range r {
			observed[name] = append(observed[name], v)
		}
	}

	names := make([]string, 0, len(observed))
	for name := range observed {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]store.Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, store.Column{
			Name:     name,
			Kind:     InferKind(name, observed[name]),
			Nullable: true,
		})
	}
	return cols
}
