package jwk

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// maxJWKSResponseSize limits the size of JWKS HTTP responses to prevent memory bombs.
const maxJWKSResponseSize = 1 << 20 // 1 MB

// Fetcher retrieves the provider's current signing keys.
type Fetcher interface {
	Fetch(ctx context.Context) ([]SigningKey, error)
}

// HTTPFetcher fetches a JWKS document with a plain GET.
type HTTPFetcher struct {
	url   string
	httpc *http.Client
}

func NewHTTPFetcher(jwksURL string, c *http.Client) *HTTPFetcher {
	if c == nil {
		c = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPFetcher{url: jwksURL, httpc: c}
}

func (f *HTTPFetcher) URL() string { return f.url }

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	set, err := jwk.ParseReader(io.LimitReader(resp.Body, maxJWKSResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJWKS, err)
	}
	return signingKeys(set)
}

// signingKeys converts a parsed JWKS into SigningKeys. Keys without a kid and
// keys that are not asymmetric public keys are skipped.
func signingKeys(set jwk.Set) ([]SigningKey, error) {
	keys := make([]SigningKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok || k.KeyID() == "" {
			continue
		}
		var raw any
		if err := k.Raw(&raw); err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidJWKS, k.KeyID(), err)
		}
		switch raw.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		default:
			continue
		}
		sk := SigningKey{KeyID: k.KeyID(), Key: raw}
		if alg := k.Algorithm(); alg != nil {
			sk.Algorithm = alg.String()
		}
		keys = append(keys, sk)
	}
	return keys, nil
}
