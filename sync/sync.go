// Package sync drives the fetch-reconcile-report cycle across configured
// endpoints and storage backends.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/marshview/dirsync/auth"
	"github.com/marshview/dirsync/models"
	"github.com/marshview/dirsync/record"
	"github.com/marshview/dirsync/schema"
	"github.com/marshview/dirsync/sources"
	"github.com/marshview/dirsync/store"
	"github.com/marshview/dirsync/writer"
)

// State is the lifecycle phase an endpoint's sync loop is in.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateReporting   State = "reporting"
	StateFailed      State = "failed"
)

// batchSize bounds how many records are reconciled per schema pass.
const batchSize = 200

// Result summarizes one endpoint's cycle.
type Result struct {
	SyncID   string
	Endpoint string
	Table    string
	Counts   models.SyncCounts
	Duration time.Duration
	Err      error
}

// Service owns the periodic sync cycles. One goroutine per enabled endpoint;
// endpoints fail independently.
type Service struct {
	cfg      *models.AppConfig
	fetcher  *sources.Fetcher
	backends []store.Backend
	schema   *schema.Manager
	writer   *writer.Writer
	emitter  models.Emitter

	mu     sync.Mutex
	states map[string]State

	// cycleMu keeps cycles serial when a trigger fires while the previous
	// cycle is still running.
	cycleMu sync.Mutex

	newID func() string
	now   func() time.Time
}

func New(cfg *models.AppConfig, fetcher *sources.Fetcher, backends []store.Backend, sm *schema.Manager, w *writer.Writer, emitter models.Emitter) *Service {
	if emitter == nil {
		emitter = models.LogEmitter{}
	}
	return &Service{
		cfg:      cfg,
		fetcher:  fetcher,
		backends: backends,
		schema:   sm,
		writer:   w,
		emitter:  emitter,
		states:   make(map[string]State),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// State reports the current phase of one endpoint's loop.
func (s *Service) State(endpoint string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[endpoint]; ok {
		return st
	}
	return StateIdle
}

func (s *Service) setState(endpoint string, st State) {
	s.mu.Lock()
	s.states[endpoint] = st
	s.mu.Unlock()
}

// Warm primes the schema cache for every (backend, table) pair so a restart
// does not reissue DDL for columns that already exist.
func (s *Service) Warm(ctx context.Context) {
	for _, ep := range s.cfg.EnabledEndpoints() {
		for _, backend := range s.backends {
			if err := s.schema.Warm(ctx, backend, ep.TableName); err != nil {
				log.WithFields(log.Fields{
					"backend": backend.Name(),
					"table":   ep.TableName,
					"error":   err,
				}).Warn("schema cache warm failed")
			}
		}
	}
}

// Run blocks until ctx is cancelled, executing cycles on the configured cron
// schedule, or at the poll interval when no cron expression is set. The first
// cycle runs immediately either way.
func (s *Service) Run(ctx context.Context) error {
	s.Warm(ctx)
	s.RunOnce(ctx)

	if s.cfg.CronSchedule != "" {
		return s.runCron(ctx)
	}
	return s.runTicker(ctx)
}

func (s *Service) runCron(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.CronSchedule, func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"schedule": s.cfg.CronSchedule}).Info("starting cron scheduler")
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

func (s *Service) runTicker(ctx context.Context) error {
	interval, err := s.cfg.ParsePollInterval()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"interval": interval.String()}).Info("starting interval scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cycle for every enabled endpoint concurrently and
// returns when all have finished. A failing endpoint never blocks the others.
// A trigger arriving while a cycle is still in flight is skipped, so cycles
// never overlap on the same tables.
func (s *Service) RunOnce(ctx context.Context) []Result {
	if !s.cycleMu.TryLock() {
		log.Warn("previous sync cycle still running, skipping this trigger")
		return nil
	}
	defer s.cycleMu.Unlock()

	endpoints := s.cfg.EnabledEndpoints()
	results := make([]Result, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep models.EndpointConfig) {
			defer wg.Done()
			results[i] = s.syncEndpoint(ctx, ep)
		}(i, ep)
	}
	wg.Wait()
	return results
}

func (s *Service) syncEndpoint(ctx context.Context, ep models.EndpointConfig) Result {
	res := Result{SyncID: s.newID(), Endpoint: ep.Name, Table: ep.TableName}
	started := s.now()

	s.emit(models.Event{Type: models.EventSyncStarted, SyncID: res.SyncID, Endpoint: ep.Name, Table: ep.TableName})
	s.setState(ep.Name, StateFetching)

	// Backends that fail a schema change sit out the rest of the cycle.
	active := make(map[string]bool, len(s.backends))
	for _, b := range s.backends {
		active[b.Name()] = true
	}

	it := s.fetcher.Records(ctx, ep)
	batch := make([]record.Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.setState(ep.Name, StateReconciling)
		s.reconcileBatch(ctx, ep, res.SyncID, batch, active, &res.Counts)
		batch = batch[:0]
		s.setState(ep.Name, StateFetching)
	}

	for it.Next() {
		batch = append(batch, it.Record())
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()

	res.Counts.Fetched = it.Fetched()
	res.Counts.FilteredOut = it.FilteredOut()
	res.Duration = s.now().Sub(started)

	if err := it.Err(); err != nil {
		res.Err = err
		s.setState(ep.Name, StateFailed)
		s.reportFailure(res, err)
		return res
	}

	s.setState(ep.Name, StateReporting)
	if res.Counts.Inserted+res.Counts.Updated > 0 {
		s.emit(models.Event{
			Type:     models.EventDevicesUpdated,
			SyncID:   res.SyncID,
			Endpoint: ep.Name,
			Table:    ep.TableName,
			Counts:   countsCopy(res.Counts),
		})
	}
	s.emit(models.Event{
		Type:     models.EventSyncCompleted,
		SyncID:   res.SyncID,
		Endpoint: ep.Name,
		Table:    ep.TableName,
		Counts:   countsCopy(res.Counts),
		Duration: res.Duration,
	})
	s.setState(ep.Name, StateIdle)

	log.WithFields(log.Fields{
		"endpoint":     ep.Name,
		"sync_id":      res.SyncID,
		"fetched":      res.Counts.Fetched,
		"filtered_out": res.Counts.FilteredOut,
		"inserted":     res.Counts.Inserted,
		"updated":      res.Counts.Updated,
		"skipped":      res.Counts.Skipped,
		"duration":     res.Duration.String(),
	}).Info("sync cycle completed")
	return res
}

// reconcileBatch ensures schema and upserts the batch into every active
// backend. Per-record write failures are reported and skipped; prior writes
// stand.
func (s *Service) reconcileBatch(ctx context.Context, ep models.EndpointConfig, syncID string, batch []record.Record, active map[string]bool, counts *models.SyncCounts) {
	for _, backend := range s.backends {
		if !active[backend.Name()] {
			continue
		}

		if _, err := s.schema.Ensure(ctx, backend, ep.TableName, batch); err != nil {
			active[backend.Name()] = false
			log.WithFields(log.Fields{
				"backend": backend.Name(),
				"table":   ep.TableName,
				"error":   err,
			}).Error("schema change failed, backend sits out this cycle")
			s.emit(models.Event{
				Type:     models.EventDatabaseError,
				SyncID:   syncID,
				Endpoint: ep.Name,
				Table:    ep.TableName,
				Backend:  backend.Name(),
				Error:    err.Error(),
			})
			continue
		}

		cols := s.schema.Columns(backend, ep.TableName)
		primary := backend == s.backends[0]

		for _, rec := range batch {
			outcome, err := s.writer.Upsert(ctx, backend, ep.TableName, rec, cols)
			if err != nil {
				// Abort the remainder of this batch on this backend;
				// prior writes stand.
				log.WithFields(log.Fields{
					"backend": backend.Name(),
					"table":   ep.TableName,
					"error":   err,
				}).Error("record write failed, abandoning rest of batch")
				s.emit(models.Event{
					Type:     models.EventDatabaseError,
					SyncID:   syncID,
					Endpoint: ep.Name,
					Table:    ep.TableName,
					Backend:  backend.Name(),
					Error:    err.Error(),
				})
				break
			}
			if !primary {
				continue
			}
			switch outcome {
			case writer.Inserted:
				counts.Inserted++
			case writer.Updated:
				counts.Updated++
			case writer.Skipped:
				counts.Skipped++
			}
		}
	}
}

func (s *Service) reportFailure(res Result, err error) {
	event := models.EventSyncFailed
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		s.emit(models.Event{
			Type:     models.EventAuthenticationFailed,
			SyncID:   res.SyncID,
			Endpoint: res.Endpoint,
			Error:    err.Error(),
		})
	}
	s.emit(models.Event{
		Type:     event,
		SyncID:   res.SyncID,
		Endpoint: res.Endpoint,
		Table:    res.Table,
		Counts:   countsCopy(res.Counts),
		Duration: res.Duration,
		Error:    err.Error(),
	})
	log.WithFields(log.Fields{
		"endpoint": res.Endpoint,
		"sync_id":  res.SyncID,
		"error":    err,
	}).Error("sync cycle failed")
}

func (s *Service) emit(e models.Event) {
	e.Timestamp = s.now().UTC()
	s.emitter.Emit(e)
}

func countsCopy(c models.SyncCounts) *models.SyncCounts {
	out := c
	return &out
}
