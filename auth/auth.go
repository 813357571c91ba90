// Package auth acquires and caches OAuth2 bearer tokens via the
// client-credentials grant.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Error reports a grant rejection or an unreachable identity endpoint.
// Fatal for the current cycle; the next schedule retries.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// safetyMargin is how long before expiry a cached token is considered stale.
const safetyMargin = 5 * time.Minute

// Manager caches one bearer token and coalesces concurrent refreshes into a
// single in-flight exchange shared by all waiters.
type Manager struct {
	conf  *clientcredentials.Config
	group singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time

	now func() time.Time
}

// New builds a Manager for the given identity endpoint.
func New(clientID, clientSecret, tokenURL string, scopes []string) *Manager {
	m := &Manager{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		now: time.Now,
	}
	return m
}

// Token returns a valid bearer token, refreshing when absent or within the
// safety margin of expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		// A waiter queued behind the winning refresh finds a fresh cache.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token, forcing the next caller to refresh.
// Used after an authenticated call is rejected with 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiry = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" && m.now().Before(m.expiry.Add(-safetyMargin)) {
		return m.token, true
	}
	return "", false
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	log.Debug("refreshing access token")

	tok, err := m.conf.Token(ctx)
	if err != nil {
		if rErr, ok := err.(*oauth2.RetrieveError); ok {
			return "", &Error{Err: fmt.Errorf("token request rejected with status %d: %s", rErr.Response.StatusCode, string(rErr.Body))}
		}
		return "", &Error{Err: fmt.Errorf("token request failed: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &Error{Err: fmt.Errorf("identity endpoint returned an empty access token")}
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}

	m.mu.Lock()
	m.token = tok.AccessToken
	m.expiry = expiry
	m.mu.Unlock()

	log.WithFields(log.Fields{"expires_at": expiry.UTC().Format(time.RFC3339)}).Info("obtained access token")
	return tok.AccessToken, nil
}

