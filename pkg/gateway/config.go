package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultReservationTTL = 5 * time.Minute
	defaultMaxPerMinute   = 60
	defaultBaseDelay      = 2 * time.Second
	defaultMaxPages       = 10
	defaultMaxResults     = 100
)

// defaultCacheTTLs carries the per-endpoint cache lifetimes tuned against
// how quickly each resource changes. Follower lists move slowly; search
// results churn constantly.
var defaultCacheTTLs = map[Endpoint]time.Duration{
	EndpointSearch:       5 * time.Minute,
	EndpointUserLookup:   time.Hour,
	EndpointUserBatch:    time.Hour,
	EndpointFollowers:    2 * time.Hour,
	EndpointUserTweets:   10 * time.Minute,
	EndpointTweetReplies: 15 * time.Minute,
	EndpointListTweets:   30 * time.Minute,
	EndpointWebhookRules: 5 * time.Minute,
}

// Config holds the full runtime configuration for a Gateway. Zero-valued
// fields fall back to defaults during Validate.
type Config struct {
	// Upstream connection.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// Budget, in whole US dollars per calendar day. Converted to credits
	// internally. Exactly one of DailyBudgetUSD and DailyBudgetCredits
	// may be set; credits win when both are.
	DailyBudgetUSD     float64 `yaml:"daily_budget_usd"`
	DailyBudgetCredits int64   `yaml:"daily_budget_credits"`

	// ThrottleRatio is the spend fraction above which only high-priority
	// requests are admitted. Zero means the 0.80 default.
	ThrottleRatio float64 `yaml:"throttle_ratio"`

	// Timezone resolves the calendar day for ledger keys, e.g.
	// "America/New_York". Empty means UTC.
	Timezone string `yaml:"timezone"`

	// ReservationTTL bounds how long an uncommitted reservation holds
	// budget before it is reaped.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	// Pacing.
	MaxPerMinute int           `yaml:"max_per_minute"`
	BaseDelay    time.Duration `yaml:"base_delay"`

	// Request defaults, applied when a Request leaves them zero.
	MaxPages   int `yaml:"max_pages"`
	MaxResults int `yaml:"max_results"`

	// Pricing overrides, keyed by endpoint name. Endpoints not listed
	// keep their default rates.
	Pricing map[string]PricingRate `yaml:"pricing"`

	// CacheTTLs overrides per-endpoint cache lifetimes, keyed by
	// endpoint name.
	CacheTTLs map[string]time.Duration `yaml:"cache_ttls"`

	location *time.Location
	ttls     map[Endpoint]time.Duration
}

// DefaultConfig returns a configuration with every tunable at its default.
// BaseURL, APIKey and a budget must still be provided before use.
func DefaultConfig() Config {
	return Config{
		ThrottleRatio:  defaultThrottleRatio,
		ReservationTTL: defaultReservationTTL,
		MaxPerMinute:   defaultMaxPerMinute,
		BaseDelay:      defaultBaseDelay,
		MaxPages:       defaultMaxPages,
		MaxResults:     defaultMaxResults,
	}
}

// Validate checks the configuration, resolves the timezone, applies
// defaults, and builds the effective per-endpoint TTL table.
func (c *Config) Validate() error {
	if c.DailyBudgetCredits == 0 && c.DailyBudgetUSD > 0 {
		c.DailyBudgetCredits = USDToCredits(c.DailyBudgetUSD)
	}
	if c.DailyBudgetCredits <= 0 {
		return &ConfigError{Field: "daily_budget_credits", Reason: "a positive daily budget is required"}
	}
	if c.ThrottleRatio < 0 || c.ThrottleRatio > 1 {
		return &ConfigError{Field: "throttle_ratio", Reason: "must be between 0 and 1"}
	}
	if c.ThrottleRatio == 0 {
		c.ThrottleRatio = defaultThrottleRatio
	}
	if c.ReservationTTL < 0 {
		return &ConfigError{Field: "reservation_ttl", Reason: "must not be negative"}
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.MaxPerMinute < 0 {
		return &ConfigError{Field: "max_per_minute", Reason: "must not be negative"}
	}
	if c.MaxPerMinute == 0 {
		c.MaxPerMinute = defaultMaxPerMinute
	}
	if c.BaseDelay < 0 {
		return &ConfigError{Field: "base_delay", Reason: "must not be negative"}
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.MaxResults <= 0 {
		c.MaxResults = defaultMaxResults
	}

	loc := time.UTC
	if c.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return &ConfigError{Field: "timezone", Reason: fmt.Sprintf("unknown location %q", c.Timezone)}
		}
	}
	c.location = loc

	c.ttls = make(map[Endpoint]time.Duration, len(defaultCacheTTLs))
	for ep, ttl := range defaultCacheTTLs {
		c.ttls[ep] = ttl
	}
	for name, ttl := range c.CacheTTLs {
		ep := Endpoint(name)
		if !ep.Valid() {
			return &ConfigError{Field: "cache_ttls", Reason: fmt.Sprintf("unknown endpoint %q", name)}
		}
		if ttl <= 0 {
			return &ConfigError{Field: "cache_ttls", Reason: fmt.Sprintf("ttl for %q must be positive", name)}
		}
		c.ttls[ep] = ttl
	}
	return nil
}

// Location returns the resolved calendar-day timezone. Validate must have
// run first; before that it returns UTC.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// CacheTTL returns the effective cache lifetime for an endpoint.
func (c *Config) CacheTTL(endpoint Endpoint) time.Duration {
	if ttl, ok := c.ttls[endpoint]; ok {
		return ttl
	}
	if ttl, ok := defaultCacheTTLs[endpoint]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// buildPricing merges configured rate overrides over the defaults.
func (c *Config) buildPricing() (*Pricing, error) {
	rates := DefaultPricing()
	for name, rate := range c.Pricing {
		ep := Endpoint(name)
		if !ep.Valid() {
			return nil, &ConfigError{Field: "pricing", Reason: fmt.Sprintf("unknown endpoint %q", name)}
		}
		rates[ep] = rate
	}
	return NewPricing(rates)
}

// LoadConfig reads a YAML configuration file and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
