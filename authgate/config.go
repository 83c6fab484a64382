package authgate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keksclan/drinkgate/internal/token"
)

// Config is read once at startup and must not be mutated after New.
type Config struct {
	// Domain is the identity provider domain, e.g. "example.us.auth0.com".
	Domain string
	// Audience is the API identifier that must appear in the token's aud claim.
	Audience string
	// Issuer must equal the token's iss claim exactly. Defaults to "https://<Domain>/".
	Issuer string
	// JWKSURL defaults to "https://<Domain>/.well-known/jwks.json".
	JWKSURL string
	// AllowedAlgs lists accepted signing algorithms. Only asymmetric
	// algorithms are permitted. Defaults to ["RS256"].
	AllowedAlgs []string

	KeyCacheTTL  time.Duration
	FetchTimeout time.Duration

	// DisableRotationRetry turns off the single forced refresh that runs when
	// a token's kid is missing from the cached key set.
	DisableRotationRetry bool
	// MinRefreshInterval is the minimum key set age before a forced refresh.
	MinRefreshInterval time.Duration

	// PermissionsClaim names the claim carrying the permission set. Defaults to "permissions".
	PermissionsClaim string
}

func (c *Config) setDefaults() {
	domain := strings.TrimSuffix(strings.TrimPrefix(c.Domain, "https://"), "/")
	if c.Issuer == "" && domain != "" {
		c.Issuer = "https://" + domain + "/"
	}
	if c.JWKSURL == "" && domain != "" {
		c.JWKSURL = "https://" + domain + "/.well-known/jwks.json"
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.KeyCacheTTL == 0 {
		c.KeyCacheTTL = 15 * time.Minute
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.PermissionsClaim == "" {
		c.PermissionsClaim = "permissions"
	}
}

// Normalize applies defaults in place. New calls it; loaders call it before Validate.
func (c *Config) Normalize() { c.setDefaults() }

func (c Config) Validate() error {
	if c.Domain == "" && (c.Issuer == "" || c.JWKSURL == "") {
		return errors.New("domain is required unless issuer and jwks_url are both set")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.JWKSURL == "" {
		return errors.New("jwks_url is required")
	}
	if len(c.AllowedAlgs) == 0 {
		return errors.New("allowed_algs must not be empty")
	}
	for _, alg := range c.AllowedAlgs {
		if !token.IsAsymmetric(alg) {
			return fmt.Errorf("allowed_algs: %q is not an asymmetric signing algorithm", alg)
		}
	}
	if c.KeyCacheTTL < 0 {
		return errors.New("key_cache_ttl must not be negative")
	}
	if c.FetchTimeout < 0 {
		return errors.New("fetch_timeout must not be negative")
	}
	if c.MinRefreshInterval < 0 {
		return errors.New("min_refresh_interval must not be negative")
	}
	return nil
}
