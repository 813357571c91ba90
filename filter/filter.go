// Package filter implements the record-level operating system filter applied
// after decode and before reconciliation.
package filter

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Wildcard matches every record.
const Wildcard = "*"

// Filter holds a normalized set of case-insensitive OS substrings.
type Filter struct {
	rules []string
}

// Normalize splits raw rules on commas, trims, lowercases and drops empties.
func Normalize(raw []string) []string {
	var rules []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				rules = append(rules, part)
			}
		}
	}
	return rules
}

// New builds a filter from raw rules. No rules means match everything.
func New(raw []string) *Filter {
	rules := Normalize(raw)
	if len(rules) == 0 {
		rules = []string{Wildcard}
	}
	log.WithFields(log.Fields{"rules": rules}).Debug("initialized OS filter")
	return &Filter{rules: rules}
}

// Match reports whether an operating system string passes the filter.
// A blank OS is treated as "unknown" and only matches the wildcard.
func (f *Filter) Match(os string) bool {
	if f.AllowsAll() {
		return true
	}
	os = strings.ToLower(strings.TrimSpace(os))
	if os == "" {
		os = "unknown"
	}
	for _, rule := range f.rules {
		if strings.Contains(os, rule) {
			return true
		}
	}
	return false
}

// AllowsAll reports whether the wildcard rule is present.
func (f *Filter) AllowsAll() bool {
	for _, rule := range f.rules {
		if rule == Wildcard {
			return true
		}
	}
	return false
}

// Rules returns the active normalized rules.
func (f *Filter) Rules() []string {
	return f.rules
}
