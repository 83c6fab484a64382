// Package token verifies compact-serialized signed access tokens against the
// identity provider's key set.
package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keksclan/drinkgate/internal/jwk"
)

var (
	ErrMalformedToken       = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrInvalidSignature     = errors.New("invalid token signature")
	ErrTokenExpired         = errors.New("token expired")
	ErrInvalidIssuer        = errors.New("invalid issuer")
	ErrInvalidAudience      = errors.New("invalid audience")
)

// asymmetricAlgs are the only algorithms a Verifier can be configured with.
var asymmetricAlgs = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

// IsAsymmetric reports whether alg is an asymmetric signing algorithm the
// verifier supports.
func IsAsymmetric(alg string) bool {
	_, ok := asymmetricAlgs[alg]
	return ok
}

// KeyResolver resolves a signing key by key id.
type KeyResolver interface {
	Lookup(ctx context.Context, kid string) (jwk.SigningKey, error)
}

type Config struct {
	Issuer      string
	Audience    string
	AllowedAlgs []string
	// PermissionsClaim names the claim holding the permission set.
	PermissionsClaim string
	// Now is the verification clock. Defaults to time.Now.
	Now func() time.Time
}

// Claims is the validated payload of a token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Permissions is meaningful only when HasPermissions is true. An empty
	// slice with HasPermissions set means the claim was present but empty.
	Permissions    []string
	HasPermissions bool
	RawMap         map[string]any
}

// Verifier validates tokens. It is safe for concurrent use.
type Verifier struct {
	cfg     Config
	keys    KeyResolver
	allowed map[string]struct{}
	parser  *jwt.Parser
	now     func() time.Time
}

func New(cfg Config, keys KeyResolver) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		return nil, errors.New("at least one allowed algorithm is required")
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedAlgs))
	for _, alg := range cfg.AllowedAlgs {
		if !IsAsymmetric(alg) {
			return nil, fmt.Errorf("algorithm %q is not an asymmetric signing algorithm", alg)
		}
		allowed[alg] = struct{}{}
	}
	if cfg.PermissionsClaim == "" {
		cfg.PermissionsClaim = "permissions"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		cfg:     cfg,
		keys:    keys,
		allowed: allowed,
		// Claims are validated by hand below; the parser only decodes.
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
		now:    now,
	}, nil
}

// Verify checks, in order: structure, algorithm, signing key, signature,
// then expiry, issuer and audience. The first failure is returned.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	tok, parts, err := v.parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			// Header decoded but its alg is absent or unknown to the library.
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	// Unsecured (alg none) tokens must fail here, before the empty signature
	// segment is decoded.
	alg := tok.Method.Alg()
	if _, ok := v.allowed[alg]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("%w: could not decode signature segment", ErrMalformedToken)
	}

	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no kid", jwk.ErrKeyNotFound)
	}
	key, err := v.keys.Lookup(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fmt.Errorf("%w: key %q is published for %s, token uses %s", ErrInvalidSignature, kid, key.Algorithm, alg)
	}

	signingString := strings.Join(parts[:2], ".")
	if err := tok.Method.Verify(signingString, sig, key.Key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type %T", ErrMalformedToken, tok.Claims)
	}
	return v.validateClaims(mc)
}

func (v *Verifier) validateClaims(mc jwt.MapClaims) (*Claims, error) {
	now := v.now()
	res := &Claims{RawMap: mc}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp: %w", ErrMalformedToken, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: token has no exp claim", ErrTokenExpired)
	}
	// Expiry is strict: a token whose exp equals now is already expired.
	if !now.Before(exp.Time) {
		return nil, ErrTokenExpired
	}
	res.ExpiresAt = exp.Time

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return nil, fmt.Errorf("%w: iat: %w", ErrMalformedToken, err)
	}
	if iat != nil {
		res.IssuedAt = iat.Time
	}

	iss, err := mc.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("%w: iss: %w", ErrMalformedToken, err)
	}
	if iss != v.cfg.Issuer {
		return nil, ErrInvalidIssuer
	}
	res.Issuer = iss

	aud, err := mc.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: aud: %w", ErrMalformedToken, err)
	}
	if !slices.Contains(aud, v.cfg.Audience) {
		return nil, ErrInvalidAudience
	}
	res.Audience = []string(aud)

	sub, err := mc.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: sub: %w", ErrMalformedToken, err)
	}
	res.Subject = sub

	perms, present, err := stringSet(mc, v.cfg.PermissionsClaim)
	if err != nil {
		return nil, err
	}
	res.Permissions, res.HasPermissions = perms, present
	return res, nil
}

// stringSet reads an array-of-strings claim. A missing or null claim is
// reported as absent rather than empty.
func stringSet(mc jwt.MapClaims, name string) ([]string, bool, error) {
	raw, ok := mc[name]
	if !ok || raw == nil {
		return nil, false, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s claim is not an array", ErrMalformedToken, name)
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s claim contains a non-string value", ErrMalformedToken, name)
		}
		out = append(out, s)
	}
	return out, true, nil
}
