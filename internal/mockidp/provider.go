// Package mockidp is a local stand-in for the identity provider: it publishes
// a JWKS document and mints RS256 access tokens signed by the matching key.
//
// Demo and test use only. Keys are generated in memory on every start.
package mockidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jwxjwk "github.com/lestrrat-go/jwx/v2/jwk"
)

type Provider struct {
	KeyID    string
	Issuer   string
	Audience string

	priv *rsa.PrivateKey
	jwks []byte
}

// New generates a signing key and the JWKS document publishing it.
func New(kid, issuer, audience string) (*Provider, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	key, err := jwxjwk.FromRaw(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("build JWK: %w", err)
	}
	if err := key.Set(jwxjwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("set kid: %w", err)
	}
	if err := key.Set(jwxjwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("set alg: %w", err)
	}
	set := jwxjwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("add key: %w", err)
	}
	doc, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode JWKS: %w", err)
	}
	return &Provider{KeyID: kid, Issuer: issuer, Audience: audience, priv: priv, jwks: doc}, nil
}

// JWKSHandler serves the key set at any path.
func (p *Provider) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.jwks)
	})
}

// Mint signs a token for sub holding perms, valid for ttl. A nil perms omits
// the permissions claim entirely.
func (p *Provider) Mint(sub string, perms []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer,
		"aud": []string{p.Audience},
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if perms != nil {
		claims["permissions"] = perms
	}
	return p.Sign(claims)
}

// Sign signs arbitrary claims with the provider key.
func (p *Provider) Sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.KeyID
	return tok.SignedString(p.priv)
}
