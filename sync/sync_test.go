package sync

import (
	"context"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshview/dirsync/auth"
	"github.com/marshview/dirsync/filter"
	"github.com/marshview/dirsync/mockapi"
	"github.com/marshview/dirsync/models"
	"github.com/marshview/dirsync/schema"
	"github.com/marshview/dirsync/sources"
	"github.com/marshview/dirsync/store"
	"github.com/marshview/dirsync/transport"
	"github.com/marshview/dirsync/writer"
)

type staticTokens struct{ err error }

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "tok", nil
}
func (s *staticTokens) Invalidate() {}

// eventSink collects emitted events for assertions.
type eventSink struct {
	mu     gosync.Mutex
	events []models.Event
}

func (s *eventSink) Emit(e models.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) ofType(t models.EventType) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(endpoints ...models.EndpointConfig) *models.AppConfig {
	return &models.AppConfig{
		ClientID:     "c",
		ClientSecret: "s",
		TenantID:     "t",
		PollInterval: "1h",
		Endpoints:    endpoints,
	}
}

func deviceEndpoint(name string) models.EndpointConfig {
	return models.EndpointConfig{
		Name:        name,
		EndpointURL: "https://graph.example.test/" + name,
		TableName:   name,
		Enabled:     true,
		QueryParams: map[string]string{"$top": "100"},
	}
}

func newTestService(t *testing.T, srv transport.Transport, cfg *models.AppConfig, rules []string) (*Service, *eventSink) {
	t.Helper()
	backend, err := store.OpenSqlite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	fetcher := sources.NewFetcher(srv, &staticTokens{}, filter.New(rules))
	sink := &eventSink{}
	svc := New(cfg, fetcher, []store.Backend{backend}, schema.NewManager(), writer.New(), sink)
	return svc, sink
}

func TestRunOnceFullCycle(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(20))
	cfg := testConfig(deviceEndpoint("devices"))
	svc, sink := newTestService(t, srv, cfg, nil)

	results := svc.RunOnce(context.Background())
	require.Len(t, results, 1)

	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 20, res.Counts.Fetched)
	assert.Equal(t, 20, res.Counts.Inserted)
	assert.Equal(t, 0, res.Counts.Skipped)

	require.Len(t, sink.ofType(models.EventSyncStarted), 1)
	require.Len(t, sink.ofType(models.EventSyncCompleted), 1)
	require.Len(t, sink.ofType(models.EventDevicesUpdated), 1)
}

func TestSecondCycleSkipsUnchangedRecords(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(20))
	cfg := testConfig(deviceEndpoint("devices"))
	svc, sink := newTestService(t, srv, cfg, nil)

	svc.RunOnce(context.Background())
	results := svc.RunOnce(context.Background())

	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Counts.Inserted)
	assert.Equal(t, 0, res.Counts.Updated)
	assert.Equal(t, 20, res.Counts.Skipped)

	// No content changed, so no devices_updated on the second cycle
	assert.Len(t, sink.ofType(models.EventDevicesUpdated), 1)
}

func TestChangedDeviceIsUpdated(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(20))
	cfg := testConfig(deviceEndpoint("devices"))
	svc, _ := newTestService(t, srv, cfg, nil)

	svc.RunOnce(context.Background())
	srv.Mutate(3, "osVersion", "99.9")
	results := svc.RunOnce(context.Background())

	res := results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Counts.Updated)
	assert.Equal(t, 19, res.Counts.Skipped)
}

func TestOSFilterCountsWithoutWriting(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(40))
	cfg := testConfig(deviceEndpoint("devices"))
	svc, _ := newTestService(t, srv, cfg, []string{"Windows"})

	results := svc.RunOnce(context.Background())
	res := results[0]
	require.NoError(t, res.Err)

	// One of four OSes passes the filter
	assert.Equal(t, 40, res.Counts.Fetched)
	assert.Equal(t, 30, res.Counts.FilteredOut)
	assert.Equal(t, 10, res.Counts.Inserted)
}

// brokenFor fails requests whose URL contains a marker, leaving other
// endpoints untouched.
type brokenFor struct {
	inner  transport.Transport
	marker string
}

func (b *brokenFor) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*transport.Response, error) {
	if strings.Contains(url, b.marker) {
		return nil, &transport.RetryExhaustedError{Attempts: 5, Err: &transport.HTTPError{StatusCode: 503, URL: url}}
	}
	return b.inner.Send(ctx, method, url, headers, body)
}

func TestEndpointFailureDoesNotBlockOthers(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(10))
	cfg := testConfig(deviceEndpoint("devices"), deviceEndpoint("broken"))
	svc, sink := newTestService(t, &brokenFor{inner: srv, marker: "broken"}, cfg, nil)

	results := svc.RunOnce(context.Background())
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Endpoint] = r
	}
	require.NoError(t, byName["devices"].Err)
	assert.Equal(t, 10, byName["devices"].Counts.Inserted)
	require.Error(t, byName["broken"].Err)

	failed := sink.ofType(models.EventSyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].Endpoint)
	assert.Equal(t, StateFailed, svc.State("broken"))
	assert.Equal(t, StateIdle, svc.State("devices"))
}

func TestAuthFailureEmitsEvent(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(5))
	cfg := testConfig(deviceEndpoint("devices"))

	backend, err := store.OpenSqlite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	tokens := &staticTokens{err: &auth.Error{Err: assert.AnError}}
	fetcher := sources.NewFetcher(srv, tokens, filter.New(nil))
	sink := &eventSink{}
	svc := New(cfg, fetcher, []store.Backend{backend}, schema.NewManager(), writer.New(), sink)

	results := svc.RunOnce(context.Background())
	require.Error(t, results[0].Err)

	assert.Len(t, sink.ofType(models.EventAuthenticationFailed), 1)
	assert.Len(t, sink.ofType(models.EventSyncFailed), 1)
}

func TestRunPrefersCronOverInterval(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(5))
	cfg := testConfig(deviceEndpoint("devices"))
	cfg.CronSchedule = "not a cron expression"
	svc, _ := newTestService(t, srv, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An invalid cron expression errors immediately, proving the cron path
	// is taken even though the poll interval is valid.
	err := svc.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

// gatedTransport blocks every request until released, so a test can hold a
// cycle in flight.
type gatedTransport struct {
	inner   transport.Transport
	entered chan struct{}
	release chan struct{}
	once    gosync.Once
}

func (g *gatedTransport) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*transport.Response, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.inner.Send(ctx, method, url, headers, body)
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	gate := &gatedTransport{
		inner:   mockapi.NewServer("tok", mockapi.WithCount(5)),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg := testConfig(deviceEndpoint("devices"))
	svc, _ := newTestService(t, gate, cfg, nil)

	done := make(chan []Result, 1)
	go func() { done <- svc.RunOnce(context.Background()) }()
	<-gate.entered

	// A second trigger while the first cycle is in flight does nothing
	assert.Nil(t, svc.RunOnce(context.Background()))

	close(gate.release)
	results := <-done
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 5, results[0].Counts.Inserted)
}

func TestRunTickerStopsOnCancel(t *testing.T) {
	srv := mockapi.NewServer("tok", mockapi.WithCount(5))
	cfg := testConfig(deviceEndpoint("devices"))
	cfg.PollInterval = "1h"
	svc, sink := newTestService(t, srv, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// The initial cycle ran before the first tick
	assert.Len(t, sink.ofType(models.EventSyncCompleted), 1)
}
