package record

import (
	"crypto/sha256"
	"encoding/hex"
)

// Record is one decoded API item, a mapping from field name to value.
type Record map[string]Value

// FromJSONObject builds a Record from a decoded JSON object.
func FromJSONObject(obj map[string]interface{}) Record {
	r := make(Record, len(obj))
	for k, v := range obj {
		r[k] = FromJSON(v)
	}
	return r
}

// Canonical serializes the record as a canonical object: fields sorted by
// name, stable number formatting, consistent null representation.
func (r Record) Canonical() string {
	return ObjectValue(map[string]Value(r)).Canonical()
}

// Hash computes the sha256 content hash over the canonical form. Equal hashes
// mean the record carries no changes worth writing.
func (r Record) Hash() string {
	sum := sha256.Sum256([]byte(r.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Get returns the named field, tolerating a missing entry.
func (r Record) Get(name string) (Value, bool) {
	v, ok := r[name]
	return v, ok
}

// TextField returns the trimmed string form of a field, "" when absent or null.
func (r Record) TextField(name string) string {
	v, ok := r[name]
	if !ok || v.IsNull() {
		return ""
	}
	return v.String()
}

// Rename applies a source→target field mapping, dropping the source names.
func (r Record) Rename(mappings map[string]string) {
	for from, to := range mappings {
		if v, ok := r[from]; ok {
			delete(r, from)
			r[to] = v
		}
	}
}

// Select reduces the record to the allowed field names. An empty allow-list
// keeps everything.
func (r Record) Select(fields []string) {
	if len(fields) == 0 {
		return
	}
	allowed := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		allowed[f] = struct{}{}
	}
	for k := range r {
		if _, ok := allowed[k]; !ok {
			delete(r, k)
		}
	}
}

// PrimaryKey derives the row key: the record's own id when present, otherwise
// a synthesized fingerprint.
func (r Record) PrimaryKey() string {
	if id := r.TextField("id"); id != "" {
		return id
	}
	return r.Fingerprint()
}
