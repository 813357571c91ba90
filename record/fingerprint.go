package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Identifier fields tried in priority order when synthesizing a stable key
// for a record without an id of its own.
var identifierFields = []string{"serialNumber", "imei", "hardwareId", "azureADDeviceId"}

// fallback pair used when no hard identifier is present
var fallbackFields = []string{"model", "enrolledDateTime"}

// Fingerprint synthesizes a deterministic sha256 key from the record's
// identifying fields. Hard identifiers win; model+enrollment date is the
// fallback; a record with nothing identifying hashes its full content.
func (r Record) Fingerprint() string {
	h := sha256.New()
	used := false

	for _, field := range identifierFields {
		if v := strings.TrimSpace(r.identifierValue(field)); v != "" {
			h.Write([]byte(field))
			h.Write([]byte{':'})
			h.Write([]byte(v))
			h.Write([]byte{';'})
			used = true
		}
	}

	if !used {
		for _, field := range fallbackFields {
			if v := strings.TrimSpace(r.TextField(field)); v != "" {
				h.Write([]byte(field))
				h.Write([]byte{':'})
				h.Write([]byte(v))
				h.Write([]byte{';'})
				used = true
			}
		}
	}

	if !used {
		h.Write([]byte(r.Canonical()))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// IdentityFields lists the field names that fed the fingerprint, so a writer
// can detect two distinct records colliding on a synthesized key.
func (r Record) IdentityFields() []string {
	var fields []string
	for _, field := range identifierFields {
		if strings.TrimSpace(r.identifierValue(field)) != "" {
			fields = append(fields, field)
		}
	}
	if len(fields) > 0 {
		return fields
	}
	for _, field := range fallbackFields {
		if strings.TrimSpace(r.TextField(field)) != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// identifierValue also checks the nested hardwareInformation object, which is
// where the upstream API tucks the hardware id.
func (r Record) identifierValue(field string) string {
	if v := r.TextField(field); v != "" {
		return v
	}
	if field != "hardwareId" {
		return ""
	}
	info, ok := r["hardwareInformation"]
	if !ok || info.Kind() != KindObject {
		return ""
	}
	if nested, ok := info.Object()["hardwareId"]; ok {
		return nested.String()
	}
	return ""
}
