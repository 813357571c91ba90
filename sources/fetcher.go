// Package sources turns one configured endpoint into a lazy, restartable
// sequence of decoded records.
package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/marshview/dirsync/filter"
	"github.com/marshview/dirsync/models"
	"github.com/marshview/dirsync/record"
	"github.com/marshview/dirsync/transport"
)

// TokenProvider supplies bearer tokens for outbound calls. Satisfied by
// auth.Manager.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Fetcher pulls pages from configured endpoints through a shared Transport.
type Fetcher struct {
	transport transport.Transport
	tokens    TokenProvider
	osFilter  *filter.Filter
}

func NewFetcher(t transport.Transport, tokens TokenProvider, osFilter *filter.Filter) *Fetcher {
	return &Fetcher{transport: t, tokens: tokens, osFilter: osFilter}
}

// Records returns a fresh iterator over the endpoint. Iterating again starts
// the sequence over from the first page.
func (f *Fetcher) Records(ctx context.Context, ep models.EndpointConfig) *Iterator {
	return &Iterator{
		f:       f,
		ctx:     ctx,
		ep:      ep,
		nextURL: buildPageURL(ep),
		idx:     -1,
	}
}

// Iterator is a pull-based cursor over an endpoint's records. It fetches
// pages lazily and ends when the source reports no continuation, the
// configured cap is reached, or a page fails after retry exhaustion.
type Iterator struct {
	f   *Fetcher
	ctx context.Context
	ep  models.EndpointConfig

	nextURL string
	buf     []record.Record
	idx     int
	done    bool
	err     error

	fetched     int
	filteredOut int
}

// Next advances to the next record, loading pages as needed. Records already
// yielded from earlier pages stay valid when a later page fails.
func (it *Iterator) Next() bool {
	for {
		if it.idx+1 < len(it.buf) {
			it.idx++
			return true
		}
		if it.done || it.err != nil {
			return false
		}
		if err := it.loadPage(); err != nil {
			it.err = err
			return false
		}
	}
}

// Record returns the current record. Valid only after Next reported true.
func (it *Iterator) Record() record.Record { return it.buf[it.idx] }

// Err reports the error that ended iteration, nil on normal exhaustion.
func (it *Iterator) Err() error { return it.err }

// Fetched counts records decoded from the source, including filtered ones.
func (it *Iterator) Fetched() int { return it.fetched }

// FilteredOut counts records dropped by the OS filter.
func (it *Iterator) FilteredOut() int { return it.filteredOut }

func (it *Iterator) loadPage() error {
	if it.nextURL == "" {
		it.done = true
		return nil
	}

	body, err := it.f.get(it.ctx, it.nextURL)
	if err != nil {
		return fmt.Errorf("fetching page for endpoint %s: %w", it.ep.Name, err)
	}

	items, next, err := decodePage(body)
	if err != nil {
		return fmt.Errorf("decoding page for endpoint %s: %w", it.ep.Name, err)
	}

	log.WithFields(log.Fields{
		"endpoint": it.ep.Name,
		"items":    len(items),
		"has_next": next != "",
	}).Debug("fetched page")

	it.buf = it.buf[:0]
	it.idx = -1
	for _, item := range items {
		if it.capReached() {
			next = ""
			break
		}
		rec := record.FromJSONObject(item)
		rec.Select(it.ep.SelectFields)
		rec.Rename(it.ep.FieldMappings)
		it.fetched++

		if !it.f.osFilter.Match(osOf(rec)) {
			it.filteredOut++
			continue
		}
		it.buf = append(it.buf, rec)
	}

	it.nextURL = next
	if it.nextURL == "" {
		it.done = true
	}
	return nil
}

func (it *Iterator) capReached() bool {
	return it.ep.MaxObjects > 0 && it.fetched >= it.ep.MaxObjects
}

// get performs one authenticated request, retrying once with a fresh token
// when the upstream rejects the cached one.
func (f *Fetcher) get(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := f.send(ctx, pageURL)

	if unauthorized(resp, err) {
		log.Warn("received 401, discarding cached token and retrying once")
		f.tokens.Invalidate()
		resp, err = f.send(ctx, pageURL)
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &transport.HTTPError{StatusCode: resp.StatusCode, URL: pageURL}
	}
	return resp.Body, nil
}

// unauthorized covers both shapes a 401 arrives in: a typed error from the
// retrying client, or a raw response from a pass-through transport.
func unauthorized(resp *transport.Response, err error) bool {
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized
}

func (f *Fetcher) send(ctx context.Context, pageURL string) (*transport.Response, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Accept":        "application/json",
	}
	return f.transport.Send(ctx, http.MethodGet, pageURL, headers, nil)
}

// buildPageURL merges configured query parameters plus $select/$filter onto
// the endpoint URL. Continuation URLs from the source are used verbatim.
func buildPageURL(ep models.EndpointConfig) string {
	u, err := url.Parse(ep.EndpointURL)
	if err != nil {
		return ep.EndpointURL
	}
	q := u.Query()
	for k, v := range ep.QueryParams {
		q.Set(k, v)
	}
	if len(ep.SelectFields) > 0 {
		q.Set("$select", strings.Join(ep.SelectFields, ","))
	}
	if ep.Filter != "" {
		q.Set("$filter", ep.Filter)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// decodePage extracts the item array and continuation link from a Graph-style
// page. A body without a "value" array decodes as a single item.
func decodePage(body []byte) ([]map[string]interface{}, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var page map[string]interface{}
	if err := dec.Decode(&page); err != nil {
		return nil, "", fmt.Errorf("error unmarshalling page: %w", err)
	}

	next, _ := page["@odata.nextLink"].(string)

	raw, ok := page["value"].([]interface{})
	if !ok {
		delete(page, "@odata.context")
		delete(page, "@odata.nextLink")
		delete(page, "@odata.count")
		if len(page) == 0 {
			return nil, next, nil
		}
		return []map[string]interface{}{page}, next, nil
	}

	items := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			log.WithFields(log.Fields{"item": item}).Warn("encountered non-object element in value array")
			continue
		}
		items = append(items, obj)
	}
	return items, next, nil
}

// osOf finds the operating-system-like field a record carries, if any.
func osOf(rec record.Record) string {
	for _, name := range []string{"operatingSystem", "operating_system", "osName", "os"} {
		if v := rec.TextField(name); v != "" {
			return v
		}
	}
	return ""
}
