// Package authgate authorizes requests carrying a bearer access token issued
// by a remote identity provider.
//
// A Gate runs a fixed pipeline for every request: extract the bearer token
// from the Authorization header, verify it against the provider's published
// key set, then confirm the token's permission set holds the permission the
// operation requires. The first failing stage ends the pipeline and its
// *AuthError is returned unchanged.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	icache "github.com/keksclan/drinkgate/internal/cache"
	"github.com/keksclan/drinkgate/internal/jwk"
	"github.com/keksclan/drinkgate/internal/token"
	"go.uber.org/zap"
)

// Gate authorizes bearer tokens against the provider's key set and a required
// permission. Build one with New at startup and share it across handlers.
//
// Concurrency: a Gate is safe for concurrent use. The key set is fetched at
// most once per expiry no matter how many requests observe it missing.
type Gate struct {
	cfg      Config
	httpc    *http.Client
	store    Store
	logger   *zap.Logger
	metrics  MetricsCollector
	now      func() time.Time
	keys     *jwk.Cache
	verifier *token.Verifier

	closeStore func()
}

// New builds a Gate from cfg. No network calls are made until the first
// Authorize or Prefetch.
func New(cfg Config, opts ...Option) (*Gate, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if g.httpc == nil {
		g.httpc = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.store == nil {
		rs, err := icache.NewRistrettoStore(1<<10, 1<<6, 64)
		if err != nil {
			return nil, err
		}
		g.store = rs
		g.closeStore = rs.Close
	}

	g.keys = jwk.NewCache(jwk.NewHTTPFetcher(cfg.JWKSURL, g.httpc), g.store, jwk.Config{
		StoreKey:           "jwks:" + cfg.JWKSURL,
		TTL:                cfg.KeyCacheTTL,
		FetchTimeout:       cfg.FetchTimeout,
		RotationRetry:      !cfg.DisableRotationRetry,
		MinRefreshInterval: cfg.MinRefreshInterval,
	})
	g.keys.SetClock(g.now)
	g.keys.SetLogger(g.logger.Named("jwks"))

	v, err := token.New(token.Config{
		Issuer:           cfg.Issuer,
		Audience:         cfg.Audience,
		AllowedAlgs:      cfg.AllowedAlgs,
		PermissionsClaim: cfg.PermissionsClaim,
		Now:              g.now,
	}, g.keys)
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	g.verifier = v
	return g, nil
}

// Authorize checks the Authorization header value against the required
// permission. An empty header means the header was absent. On failure the
// returned error is always an *AuthError.
func (g *Gate) Authorize(ctx context.Context, header, permission string) (*Claims, error) {
	claims, err := g.authorize(ctx, header, permission)
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			ae = newError(CodeInvalidSignature, err)
			err = ae
		}
		g.logger.Debug("authorization denied",
			zap.String("code", string(ae.Code())),
			zap.Int("status", ae.Status()),
			zap.String("permission", permission),
			zap.NamedError("cause", ae.Unwrap()))
		if g.metrics != nil {
			g.metrics.AuthorizationFailed(ae.Code())
		}
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.AuthorizationOK()
	}
	return claims, nil
}

func (g *Gate) authorize(ctx context.Context, header, permission string) (*Claims, error) {
	raw, err := ExtractBearer(header)
	if err != nil {
		return nil, err
	}

	tc, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, classify(err)
	}
	claims := &Claims{
		Subject:        tc.Subject,
		Issuer:         tc.Issuer,
		Audience:       tc.Audience,
		ExpiresAt:      tc.ExpiresAt,
		IssuedAt:       tc.IssuedAt,
		Raw:            tc.RawMap,
		permissions:    tc.Permissions,
		hasPermissions: tc.HasPermissions,
	}

	if err := CheckPermission(claims, permission); err != nil {
		return nil, err
	}
	return claims, nil
}

// Prefetch loads the key set ahead of the first request.
func (g *Gate) Prefetch(ctx context.Context) error {
	if _, err := g.keys.Get(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the default key set store. It is a no-op when the store was
// supplied with WithStore.
func (g *Gate) Close() {
	if g.closeStore != nil {
		g.closeStore()
	}
}

// classify maps verifier and key cache errors onto an AuthError code.
func classify(err error) *AuthError {
	switch {
	case errors.Is(err, token.ErrMalformedToken):
		return newError(CodeMalformedToken, err)
	case errors.Is(err, token.ErrUnsupportedAlgorithm):
		return newError(CodeUnsupportedAlgorithm, err)
	case errors.Is(err, jwk.ErrKeySourceUnavailable):
		return newError(CodeKeySourceUnavailable, err)
	case errors.Is(err, jwk.ErrKeyNotFound):
		return newError(CodeUnknownSigningKey, err)
	case errors.Is(err, token.ErrTokenExpired):
		return newError(CodeTokenExpired, err)
	case errors.Is(err, token.ErrInvalidIssuer):
		return newError(CodeInvalidIssuer, err)
	case errors.Is(err, token.ErrInvalidAudience):
		return newError(CodeInvalidAudience, err)
	default:
		// ErrInvalidSignature, and anything unexpected, is a signature failure.
		return newError(CodeInvalidSignature, err)
	}
}
