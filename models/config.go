package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig is the top-level daemon configuration, read from a JSON file and
// overridable through the environment.
type AppConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	TenantID     string `json:"tenantId"`
	// TokenURL overrides the identity endpoint derived from TenantID.
	TokenURL string `json:"tokenUrl,omitempty"`
	Scope    string `json:"scope,omitempty"`

	PollInterval string `json:"pollInterval,omitempty"`
	CronSchedule string `json:"cronSchedule,omitempty"`

	DeviceOSFilter []string `json:"deviceOsFilter,omitempty"`

	HTTPTimeout string `json:"httpTimeout,omitempty"`
	LogLevel    string `json:"logLevel,omitempty"`

	RateLimit RateLimitConfig  `json:"rateLimit"`
	Database  DatabaseConfig   `json:"database"`
	Endpoints []EndpointConfig `json:"endpoints"`
}

// RateLimitConfig bounds outbound request admission and retry behavior.
type RateLimitConfig struct {
	RequestsPerMinute int     `json:"requestsPerMinute,omitempty"`
	MaxRetries        int     `json:"maxRetries,omitempty"`
	InitialDelay      string  `json:"initialDelay,omitempty"`
	MaxDelay          string  `json:"maxDelay,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
	Jitter            bool    `json:"jitter,omitempty"`
}

// DatabaseConfig selects which storage backends receive rows.
type DatabaseConfig struct {
	Backends   []string          `json:"backends"`
	SqlitePath string            `json:"sqlitePath,omitempty"`
	Postgres   *ConnectionConfig `json:"postgres,omitempty"`
	MySQL      *ConnectionConfig `json:"mysql,omitempty"`
	MSSQL      *ConnectionConfig `json:"mssql,omitempty"`
}

type ConnectionConfig struct {
	ConnectionString string `json:"connectionString"`
}

// EndpointConfig maps one remote resource onto one destination table.
// Immutable once loaded.
type EndpointConfig struct {
	Name          string            `json:"name"`
	EndpointURL   string            `json:"endpointUrl"`
	TableName     string            `json:"tableName"`
	Enabled       bool              `json:"enabled"`
	QueryParams   map[string]string `json:"queryParams,omitempty"`
	SelectFields  []string          `json:"selectFields,omitempty"`
	Filter        string            `json:"filter,omitempty"`
	FieldMappings map[string]string `json:"fieldMappings,omitempty"`
	MaxObjects    int               `json:"maxObjects,omitempty"`
}

const (
	defaultPollInterval = "1h"
	defaultScope        = "https://graph.microsoft.com/.default"
	defaultHTTPTimeout  = "30s"
)

// Load reads the config file, applies environment overrides and validates.
func Load(path string) (*AppConfig, error) {
	// .env is optional, same as the environment itself
	_ = godotenv.Load()

	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *AppConfig {
	return &AppConfig{
		Scope:          defaultScope,
		PollInterval:   defaultPollInterval,
		DeviceOSFilter: []string{"*"},
		HTTPTimeout:    defaultHTTPTimeout,
		LogLevel:       "info",
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			MaxRetries:        5,
			InitialDelay:      "1s",
			MaxDelay:          "60s",
			Multiplier:        2.0,
		},
		Database: DatabaseConfig{
			Backends:   []string{"sqlite"},
			SqlitePath: "./output/dirsync.db",
		},
	}
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		cfg.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("GRAPH_TOKEN_URL"); v != "" {
		cfg.TokenURL = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("CRON_SCHEDULE"); v != "" {
		cfg.CronSchedule = v
	}
	if v := os.Getenv("DEVICE_OS_FILTER"); v != "" {
		cfg.DeviceOSFilter = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SqlitePath = v
	}
	if v := os.Getenv("POSTGRES_CONNECTION_STRING"); v != "" {
		cfg.Database.Postgres = &ConnectionConfig{ConnectionString: v}
	}
	if v := os.Getenv("MYSQL_CONNECTION_STRING"); v != "" {
		cfg.Database.MySQL = &ConnectionConfig{ConnectionString: v}
	}
	if v := os.Getenv("MSSQL_CONNECTION_STRING"); v != "" {
		cfg.Database.MSSQL = &ConnectionConfig{ConnectionString: v}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks credentials, schedules and endpoint uniqueness.
func (c *AppConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required (GRAPH_CLIENT_ID)")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required (GRAPH_CLIENT_SECRET)")
	}
	if c.TenantID == "" && c.TokenURL == "" {
		return fmt.Errorf("tenantId or tokenUrl is required (GRAPH_TENANT_ID)")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be configured")
	}
	if _, err := c.ParsePollInterval(); err != nil {
		return fmt.Errorf("invalid pollInterval %q: %w", c.PollInterval, err)
	}

	names := make(map[string]struct{})
	tables := make(map[string]struct{})
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoint name cannot be empty")
		}
		if ep.TableName == "" {
			return fmt.Errorf("table name cannot be empty for endpoint %s", ep.Name)
		}
		if _, dup := names[ep.Name]; dup {
			return fmt.Errorf("duplicate endpoint name: %s", ep.Name)
		}
		if _, dup := tables[ep.TableName]; dup {
			return fmt.Errorf("duplicate table name: %s", ep.TableName)
		}
		names[ep.Name] = struct{}{}
		tables[ep.TableName] = struct{}{}
		if _, err := url.ParseRequestURI(ep.EndpointURL); err != nil {
			return fmt.Errorf("invalid endpoint URL for %s: %w", ep.Name, err)
		}
	}
	return nil
}

// EnabledEndpoints filters the configured endpoints down to the active ones.
func (c *AppConfig) EnabledEndpoints() []EndpointConfig {
	var enabled []EndpointConfig
	for _, ep := range c.Endpoints {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}
	return enabled
}

// ResolvedTokenURL returns the explicit token URL or the tenant-derived one.
func (c *AppConfig) ResolvedTokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

func (c *AppConfig) ParsePollInterval() (time.Duration, error) {
	return ParseDuration(c.PollInterval)
}

func (c *AppConfig) ParseHTTPTimeout() time.Duration {
	d, err := ParseDuration(c.HTTPTimeout)
	if err != nil || d <= 0 {
		d, _ = ParseDuration(defaultHTTPTimeout)
	}
	return d
}

// ParseDuration accepts Go duration strings ("30s", "5m", "1h") and bare
// second counts ("90").
func ParseDuration(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseUint(input, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(input)
}

// ParseRetryDelays resolves the rate limit delay strings with sane fallbacks.
func (r RateLimitConfig) ParseRetryDelays() (initial, max time.Duration) {
	initial, err := ParseDuration(r.InitialDelay)
	if err != nil || initial <= 0 {
		initial = time.Second
	}
	max, err = ParseDuration(r.MaxDelay)
	if err != nil || max <= 0 {
		max = time.Minute
	}
	return initial, max
}
