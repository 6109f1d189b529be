package security

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Header is a name/value pair merged into every outbound fetch.
type Header struct {
	Name  string `json:"name" mapstructure:"name"`
	Value string `json:"value" mapstructure:"value"`
}

// Config is the process-wide fetch and purchase policy. It is replaced as a
// whole through Store.Replace, never mutated in place.
type Config struct {
	MaxRetries            int      `json:"maxRetries" mapstructure:"max_retries"`
	TimeoutMs             int      `json:"timeoutMs" mapstructure:"timeout_ms"`
	MaxResponseBytes      int64    `json:"maxResponseBytes" mapstructure:"max_response_bytes"`
	AllowedDomains        []string `json:"allowedDomains" mapstructure:"allowed_domains"`
	RequiredHeaders       []Header `json:"requiredHeaders" mapstructure:"required_headers"`
	RateLimitPerDay       int      `json:"rateLimitPerDay" mapstructure:"rate_limit_per_day"`
	MinPaymentAmount      uint64   `json:"minPaymentAmount" mapstructure:"min_payment_amount"`
	KeyRotationPeriodSecs int64    `json:"keyRotationPeriodSecs" mapstructure:"key_rotation_period_secs"`
}

// Default returns the policy used when no configuration is supplied.
func Default() Config {
	return Config{
		MaxRetries:            3,
		TimeoutMs:             30_000,
		MaxResponseBytes:      2 << 20,
		AllowedDomains:        []string{"localhost"},
		RateLimitPerDay:       100,
		MinPaymentAmount:      100_000,
		KeyRotationPeriodSecs: int64((30 * 24 * time.Hour).Seconds()),
	}
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) KeyRotationPeriod() time.Duration {
	return time.Duration(c.KeyRotationPeriodSecs) * time.Second
}

func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("maxRetries must be at least 1")
	}
	if c.TimeoutMs < 0 {
		return errors.New("timeoutMs must not be negative")
	}
	if c.MaxResponseBytes <= 0 {
		return errors.New("maxResponseBytes must be positive")
	}
	if len(c.AllowedDomains) == 0 {
		return errors.New("allowedDomains must not be empty")
	}
	for _, d := range c.AllowedDomains {
		if strings.TrimSpace(d) == "" {
			return errors.New("allowedDomains contains an empty entry")
		}
	}
	for _, h := range c.RequiredHeaders {
		if strings.TrimSpace(h.Name) == "" {
			return errors.New("requiredHeaders contains an unnamed header")
		}
	}
	if c.RateLimitPerDay < 0 {
		return errors.New("rateLimitPerDay must not be negative")
	}
	return nil
}

// AllowsURL reports whether raw points at an allowed domain over http(s).
// A domain also admits its subdomains.
func (c Config) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range c.AllowedDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	c.AllowedDomains = slices.Clone(c.AllowedDomains)
	c.RequiredHeaders = slices.Clone(c.RequiredHeaders)
	return c
}

// Store holds the live Config. Readers always see a complete value.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(cfg Config) (*Store, error) {
	s := &Store{}
	if err := s.Replace(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns a copy of the live configuration.
func (s *Store) Current() Config {
	return s.cur.Load().clone()
}

// Replace validates cfg and makes it live for every subsequent read.
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	next := cfg.clone()
	s.cur.Store(&next)
	return nil
}
