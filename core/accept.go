package core

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultCacheTTL is how long a fetched key set is trusted before the next
	// verification refetches it.
	DefaultCacheTTL = 300 * time.Second
	// DefaultFetchTimeout bounds a single JWKS request.
	DefaultFetchTimeout = 5 * time.Second
)

// AcceptConfig configures verification of tokens minted by one issuer (verify-only mode).
type AcceptConfig struct {
	Issuer       string
	Audience     string // Expected audience for this service (single value)
	JWKSURL      string
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	Skew         time.Duration // leeway applied to exp/iat checks; zero means none
}

// Defaulted fills zero durations with package defaults.
func (c AcceptConfig) Defaulted() AcceptConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Skew < 0 {
		c.Skew = 0
	}
	return c
}

// Validate reports missing fields required to verify tokens.
func (c AcceptConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Issuer) == "" {
		errs = append(errs, errors.New("accept: issuer is required"))
	}
	if strings.TrimSpace(c.Audience) == "" {
		errs = append(errs, errors.New("accept: audience is required"))
	}
	if strings.TrimSpace(c.JWKSURL) == "" {
		errs = append(errs, errors.New("accept: jwks url is required"))
	}
	return errors.Join(errs...)
}
