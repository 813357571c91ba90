// Package mockapi is an in-process stand-in for the directory API: a
// Transport that serves deterministic, paginated device records. It backs
// tests and offline runs against the real client stack.
package mockapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marshview/dirsync/transport"
)

// DefaultPageSize is used when the request carries no $top.
const DefaultPageSize = 100

var defaultOSCycle = []string{"Windows", "macOS", "Android", "iOS"}

// Server generates a fixed population of synthetic devices and serves them
// as Graph-style pages. Safe for concurrent use.
type Server struct {
	mu sync.Mutex

	devices  []map[string]interface{}
	token    string
	requests int

	// fail queues status codes to return before serving real pages.
	fail []failure
}

type failure struct {
	status     int
	retryAfter string
}

// Option configures the synthetic population.
type Option func(*options)

type options struct {
	count   int
	osCycle []string
	base    time.Time
}

func WithCount(n int) Option { return func(o *options) { o.count = n } }

func WithOSCycle(cycle []string) Option {
	return func(o *options) { o.osCycle = cycle }
}

// NewServer builds a server with count devices cycling through the OS list.
// token, when non-empty, is required as the bearer credential.
func NewServer(token string, opts ...Option) *Server {
	o := options{
		count:   250,
		osCycle: defaultOSCycle,
		base:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(&o)
	}

	devices := make([]map[string]interface{}, o.count)
	for i := range devices {
		devices[i] = syntheticDevice(i, o)
	}
	return &Server{devices: devices, token: token}
}

func syntheticDevice(i int, o options) map[string]interface{} {
	os := o.osCycle[i%len(o.osCycle)]
	return map[string]interface{}{
		"id":               fmt.Sprintf("device-%04d", i),
		"deviceName":       fmt.Sprintf("%s-host-%04d", strings.ToLower(os), i),
		"operatingSystem":  os,
		"osVersion":        fmt.Sprintf("%d.%d", 10+i%4, i%10),
		"serialNumber":     fmt.Sprintf("SN%08d", i),
		"model":            fmt.Sprintf("Model %c", 'A'+i%5),
		"manufacturer":     "Contoso",
		"complianceState":  []string{"compliant", "noncompliant"}[i%2],
		"enrolledDateTime": o.base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		"isEncrypted":      i%3 == 0,
	}
}

// Fail queues one response with the given status before normal service
// resumes. Queued failures are consumed in order.
func (s *Server) Fail(status int) {
	s.mu.Lock()
	s.fail = append(s.fail, failure{status: status})
	s.mu.Unlock()
}

// FailWithRetryAfter queues a 429 carrying an explicit Retry-After header.
func (s *Server) FailWithRetryAfter(retryAfter string) {
	s.mu.Lock()
	s.fail = append(s.fail, failure{status: http.StatusTooManyRequests, retryAfter: retryAfter})
	s.mu.Unlock()
}

// Requests counts every call that reached the server, failures included.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Mutate rewrites one device in place so a later cycle observes changed
// content.
func (s *Server) Mutate(i int, field string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.devices) {
		s.devices[i][field] = value
	}
}

// Send implements transport.Transport.
func (s *Server) Send(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests++
	if len(s.fail) > 0 {
		f := s.fail[0]
		s.fail = s.fail[1:]
		s.mu.Unlock()
		h := http.Header{}
		if f.retryAfter != "" {
			h.Set("Retry-After", f.retryAfter)
		}
		return &transport.Response{StatusCode: f.status, Header: h, Body: []byte(`{"error":{"code":"transient"}}`)}, nil
	}
	s.mu.Unlock()

	if s.token != "" && headers["Authorization"] != "Bearer "+s.token {
		return &transport.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{},
			Body:       []byte(`{"error":{"code":"InvalidAuthenticationToken"}}`),
		}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &transport.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}, Body: []byte(`{"error":{"code":"BadRequest"}}`)}, nil
	}
	return s.page(u)
}

func (s *Server) page(u *url.URL) (*transport.Response, error) {
	q := u.Query()
	skip := atoiDefault(q.Get("$skip"), 0)
	top := atoiDefault(q.Get("$top"), DefaultPageSize)
	selectFields := splitSelect(q.Get("$select"))

	s.mu.Lock()
	defer s.mu.Unlock()

	if skip > len(s.devices) {
		skip = len(s.devices)
	}
	end := skip + top
	if end > len(s.devices) {
		end = len(s.devices)
	}

	items := make([]map[string]interface{}, 0, end-skip)
	for _, d := range s.devices[skip:end] {
		items = append(items, project(d, selectFields))
	}

	page := map[string]interface{}{
		"@odata.context": "https://graph.microsoft.com/v1.0/$metadata#deviceManagement/managedDevices",
		"value":          items,
	}
	if end < len(s.devices) {
		next := *u
		nq := next.Query()
		nq.Set("$skip", strconv.Itoa(end))
		nq.Set("$top", strconv.Itoa(top))
		next.RawQuery = nq.Encode()
		page["@odata.nextLink"] = next.String()
	}

	payload, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}
	return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: payload}, nil
}

func project(d map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		out := make(map[string]interface{}, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := d[f]; ok {
			out[f] = v
		}
	}
	return out
}

func splitSelect(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
