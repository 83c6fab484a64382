package authgate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jwxjwk "github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	testAudience = "coffee_shop"
)

type signer struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigner(t *testing.T, kid string) signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return signer{kid: kid, priv: priv}
}

func makeJWKS(t *testing.T, signers ...signer) []byte {
	t.Helper()
	set := jwxjwk.NewSet()
	for _, s := range signers {
		k, err := jwxjwk.FromRaw(&s.priv.PublicKey)
		if err != nil {
			t.Fatalf("jwk from raw: %v", err)
		}
		_ = k.Set(jwxjwk.KeyIDKey, s.kid)
		_ = k.Set(jwxjwk.AlgorithmKey, "RS256")
		_ = set.AddKey(k)
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// jwksServer serves a swappable JWKS body and counts requests.
type jwksServer struct {
	*httptest.Server
	body   atomic.Pointer[[]byte]
	status atomic.Int32
	hits   atomic.Int32
	delay  atomic.Int64
}

func newJWKSServer(t *testing.T, body []byte) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.setBody(body)
	s.status.Store(http.StatusOK)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if d := time.Duration(s.delay.Load()); d > 0 {
			time.Sleep(d)
		}
		if code := int(s.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(*s.body.Load())
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setBody(b []byte) { s.body.Store(&b) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingMetrics struct {
	ok     atomic.Int32
	failed sync.Map // Code -> *atomic.Int32
}

func (m *countingMetrics) AuthorizationOK() { m.ok.Add(1) }

func (m *countingMetrics) AuthorizationFailed(code Code) {
	v, _ := m.failed.LoadOrStore(code, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (m *countingMetrics) failures(code Code) int32 {
	v, ok := m.failed.Load(code)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

type fixture struct {
	gate   *Gate
	srv    *jwksServer
	clock  *fakeClock
	issuer string
	signer signer
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	sg := newSigner(t, "kid-1")
	srv := newJWKSServer(t, makeJWKS(t, sg))
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg := Config{
		Domain:   "cyang019.us.auth0.com",
		Audience: testAudience,
		JWKSURL:  srv.URL + "/.well-known/jwks.json",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithClock(clk.Now), WithHTTPClient(srv.Client())}, opts...)
	g, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	t.Cleanup(g.Close)
	return &fixture{gate: g, srv: srv, clock: clk, issuer: g.cfg.Issuer, signer: sg}
}

func (f *fixture) claims(perms ...string) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss": f.issuer,
		"aud": []string{testAudience},
		"sub": "auth0|manager",
		"iat": f.clock.Now().Unix(),
		"exp": f.clock.Now().Add(time.Hour).Unix(),
	}
	if perms != nil {
		c["permissions"] = perms
	}
	return c
}

func (f *fixture) bearer(t *testing.T, s signer, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	str, err := tok.SignedString(s.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + str
}

func TestGateAuthorizeSuccess(t *testing.T) {
	f := newFixture(t, nil)
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail", "post:drinks"))

	c, err := f.gate.Authorize(context.Background(), hdr, "post:drinks")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if c.Subject != "auth0|manager" {
		t.Fatalf("subject = %q", c.Subject)
	}
	if c.Issuer != "https://cyang019.us.auth0.com/" {
		t.Fatalf("issuer = %q", c.Issuer)
	}
	perms, ok := c.Permissions()
	if !ok || len(perms) != 2 {
		t.Fatalf("permissions = %v, %v", perms, ok)
	}
	if f.srv.hits.Load() != 1 {
		t.Fatalf("expected 1 jwks hit, got %d", f.srv.hits.Load())
	}
}

func TestGateAuthorizeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail"))

	first, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail")
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	second, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail")
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if first == second {
		t.Fatal("claims must not be shared between calls")
	}
	if first.Subject != second.Subject || !first.ExpiresAt.Equal(second.ExpiresAt) || first.Issuer != second.Issuer {
		t.Fatalf("claims differ: %+v vs %+v", first, second)
	}
	p1, _ := first.Permissions()
	p2, _ := second.Permissions()
	if len(p1) != len(p2) || p1[0] != p2[0] {
		t.Fatalf("permissions differ: %v vs %v", p1, p2)
	}
	if f.srv.hits.Load() != 1 {
		t.Fatalf("expected 1 jwks hit, got %d", f.srv.hits.Load())
	}
}

func TestGateFailures(t *testing.T) {
	f := newFixture(t, nil)
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, f.claims("get:drinks-detail"))
	hs.Header["kid"] = f.signer.kid
	hsToken, _ := hs.SignedString([]byte("super-secret-key-for-hmac-256-xx"))
	stranger := newSigner(t, "kid-1")
	none := jwt.NewWithClaims(jwt.SigningMethodNone, f.claims("get:drinks-detail"))
	none.Header["kid"] = f.signer.kid
	noneToken, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name       string
		header     string
		permission string
		want       *AuthError
		wantStatus int
	}{
		{"missing header", "", "get:drinks", ErrMissingHeader, 400},
		{"basic scheme", "Basic xyz", "get:drinks", ErrMalformedHeader, 400},
		{"lowercase scheme", "bearer abc.def.ghi", "get:drinks", ErrMalformedHeader, 400},
		{"no token", "Bearer", "get:drinks", ErrMalformedHeader, 400},
		{"malformed token", "Bearer abc.def.ghi", "get:drinks", ErrMalformedToken, 400},
		{"HS256 disallowed", "Bearer " + hsToken, "get:drinks-detail", ErrUnsupportedAlgorithm, 401},
		{"alg none", "Bearer " + noneToken, "get:drinks-detail", ErrUnsupportedAlgorithm, 401},
		{"unknown kid", f.bearer(t, signer{kid: "kid-9", priv: f.signer.priv}, f.claims("get:drinks-detail")), "get:drinks-detail", ErrUnknownSigningKey, 401},
		{"foreign signature", f.bearer(t, stranger, f.claims("get:drinks-detail")), "get:drinks-detail", ErrInvalidSignature, 401},
		{"wrong issuer", f.bearer(t, f.signer, func() jwt.MapClaims {
			c := f.claims("get:drinks-detail")
			c["iss"] = "https://someone-else.auth0.com/"
			return c
		}()), "get:drinks-detail", ErrInvalidIssuer, 401},
		{"wrong audience", f.bearer(t, f.signer, func() jwt.MapClaims {
			c := f.claims("get:drinks-detail")
			c["aud"] = "tea_shop"
			return c
		}()), "get:drinks-detail", ErrInvalidAudience, 401},
		{"no permissions claim", f.bearer(t, f.signer, f.claims()), "get:drinks-detail", ErrPermissionsClaimMissing, 403},
		{"permission denied", f.bearer(t, f.signer, f.claims("get:drinks-detail")), "post:drinks", ErrPermissionDenied, 403},
		{"permission is case-sensitive", f.bearer(t, f.signer, f.claims("POST:drinks")), "post:drinks", ErrPermissionDenied, 403},
		{"empty permission set", f.bearer(t, f.signer, f.claims([]string{}...)), "post:drinks", ErrPermissionDenied, 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gate.Authorize(context.Background(), tt.header, tt.permission)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Authorize() error = %v, want %v", err, tt.want)
			}
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AuthError, got %T", err)
			}
			if ae.Status() != tt.wantStatus {
				t.Fatalf("status = %d, want %d", ae.Status(), tt.wantStatus)
			}
		})
	}
}

func TestGateExpiryBoundary(t *testing.T) {
	f := newFixture(t, nil)
	c := f.claims("get:drinks-detail")
	exp := f.clock.Now().Add(10 * time.Second)
	c["exp"] = exp.Unix()
	hdr := f.bearer(t, f.signer, c)

	f.clock.Advance(9 * time.Second)
	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); err != nil {
		t.Fatalf("one second before expiry: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at expiry: expected ErrTokenExpired, got %v", err)
	}
}

func TestGateConcurrentColdCacheFetchesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.delay.Store(int64(50 * time.Millisecond))
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail"))

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("authorize: %v", err)
	}
	if got := f.srv.hits.Load(); got != 1 {
		t.Fatalf("expected exactly 1 jwks fetch for %d concurrent requests, got %d", n, got)
	}
}

func TestGateKeySourceUnavailable(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.KeyCacheTTL = time.Minute })
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail"))

	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); err != nil {
		t.Fatalf("warm authorize: %v", err)
	}

	// Once the TTL lapses a failing provider is surfaced, never papered over
	// with the expired key set.
	f.srv.status.Store(http.StatusInternalServerError)
	f.clock.Advance(2 * time.Minute)
	_, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail")
	if !errors.Is(err, ErrKeySourceUnavailable) {
		t.Fatalf("expected ErrKeySourceUnavailable, got %v", err)
	}
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("status = %d", StatusOf(err))
	}

	f.srv.status.Store(http.StatusOK)
	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); err != nil {
		t.Fatalf("authorize after recovery: %v", err)
	}
}

func TestGateFetchTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FetchTimeout = 20 * time.Millisecond })
	f.srv.delay.Store(int64(500 * time.Millisecond))
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail"))

	start := time.Now()
	_, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail")
	if !errors.Is(err, ErrKeySourceUnavailable) {
		t.Fatalf("expected ErrKeySourceUnavailable, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("fetch was not bounded by the timeout: took %v", time.Since(start))
	}
}

func TestGateKeyRotation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinRefreshInterval = 5 * time.Second })
	if err := f.gate.Prefetch(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	rotated := newSigner(t, "kid-2")
	f.srv.setBody(makeJWKS(t, rotated))
	hdr := f.bearer(t, rotated, f.claims("get:drinks-detail"))

	// Within MinRefreshInterval an unknown kid does not trigger a fetch.
	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); !errors.Is(err, ErrUnknownSigningKey) {
		t.Fatalf("expected ErrUnknownSigningKey, got %v", err)
	}
	if got := f.srv.hits.Load(); got != 1 {
		t.Fatalf("expected 1 jwks hit, got %d", got)
	}

	f.clock.Advance(6 * time.Second)
	if _, err := f.gate.Authorize(context.Background(), hdr, "get:drinks-detail"); err != nil {
		t.Fatalf("authorize after rotation: %v", err)
	}
	if got := f.srv.hits.Load(); got != 2 {
		t.Fatalf("expected 2 jwks hits, got %d", got)
	}
}

func TestGateRotationRetryDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DisableRotationRetry = true })
	_ = f.gate.Prefetch(context.Background())
	rotated := newSigner(t, "kid-2")
	f.srv.setBody(makeJWKS(t, rotated))
	f.clock.Advance(time.Minute)

	_, err := f.gate.Authorize(context.Background(), f.bearer(t, rotated, f.claims("get:drinks-detail")), "get:drinks-detail")
	if !errors.Is(err, ErrUnknownSigningKey) {
		t.Fatalf("expected ErrUnknownSigningKey, got %v", err)
	}
	if got := f.srv.hits.Load(); got != 1 {
		t.Fatalf("expected 1 jwks hit, got %d", got)
	}
}

func TestGateMetrics(t *testing.T) {
	m := &countingMetrics{}
	f := newFixture(t, nil, WithMetrics(m))
	hdr := f.bearer(t, f.signer, f.claims("get:drinks-detail"))

	_, _ = f.gate.Authorize(context.Background(), hdr, "get:drinks-detail")
	_, _ = f.gate.Authorize(context.Background(), hdr, "delete:drinks")
	_, _ = f.gate.Authorize(context.Background(), "", "delete:drinks")

	if m.ok.Load() != 1 {
		t.Errorf("ok = %d", m.ok.Load())
	}
	if m.failures(CodePermissionDenied) != 1 {
		t.Errorf("permission_denied = %d", m.failures(CodePermissionDenied))
	}
	if m.failures(CodeMissingHeader) != 1 {
		t.Errorf("missing_header = %d", m.failures(CodeMissingHeader))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no domain", Config{Audience: "a"}},
		{"no audience", Config{Domain: "d.auth0.com"}},
		{"symmetric alg", Config{Domain: "d.auth0.com", Audience: "a", AllowedAlgs: []string{"HS256"}}},
		{"none alg", Config{Domain: "d.auth0.com", Audience: "a", AllowedAlgs: []string{"RS256", "none"}}},
		{"negative ttl", Config{Domain: "d.auth0.com", Audience: "a", KeyCacheTTL: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Domain: "https://cyang019.us.auth0.com/", Audience: "coffee_shop"}
	cfg.Normalize()
	if cfg.Issuer != "https://cyang019.us.auth0.com/" {
		t.Errorf("issuer = %q", cfg.Issuer)
	}
	if cfg.JWKSURL != "https://cyang019.us.auth0.com/.well-known/jwks.json" {
		t.Errorf("jwks url = %q", cfg.JWKSURL)
	}
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Errorf("algs = %v", cfg.AllowedAlgs)
	}
	if cfg.KeyCacheTTL != 15*time.Minute || cfg.FetchTimeout != 5*time.Second {
		t.Errorf("ttl = %v, timeout = %v", cfg.KeyCacheTTL, cfg.FetchTimeout)
	}
	if cfg.PermissionsClaim != "permissions" {
		t.Errorf("permissions claim = %q", cfg.PermissionsClaim)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}
