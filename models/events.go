package models

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType identifies a sync lifecycle event delivered to external
// metrics/webhook collaborators.
type EventType string

const (
	EventSyncStarted          EventType = "sync_started"
	EventSyncCompleted        EventType = "sync_completed"
	EventSyncFailed           EventType = "sync_failed"
	EventDevicesUpdated       EventType = "devices_updated"
	EventDatabaseError        EventType = "database_error"
	EventAuthenticationFailed EventType = "authentication_failed"
)

// SyncCounts aggregates one cycle's outcome per endpoint.
type SyncCounts struct {
	Fetched     int `json:"fetched"`
	FilteredOut int `json:"filtered_out"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Skipped     int `json:"skipped"`
}

// Event is the payload handed to collaborators after each state change.
type Event struct {
	Type      EventType     `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	SyncID    string        `json:"sync_id"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Table     string        `json:"table,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Counts    *SyncCounts   `json:"counts,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Emitter receives lifecycle events. Webhook and metrics sinks implement this
// outside the core.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// LogEmitter is the default sink, writing every event as a structured log line.
type LogEmitter struct{}

func (LogEmitter) Emit(e Event) {
	fields := log.Fields{
		"event":    e.Type,
		"sync_id":  e.SyncID,
		"endpoint": e.Endpoint,
	}
	if e.Counts != nil {
		fields["fetched"] = e.Counts.Fetched
		fields["filtered_out"] = e.Counts.FilteredOut
		fields["inserted"] = e.Counts.Inserted
		fields["updated"] = e.Counts.Updated
		fields["skipped"] = e.Counts.Skipped
	}
	if e.Duration > 0 {
		fields["duration"] = e.Duration.String()
	}
	if e.Error != "" {
		fields["error"] = e.Error
		log.WithFields(fields).Warn("sync event")
		return
	}
	log.WithFields(fields).Info("sync event")
}
