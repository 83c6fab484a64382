package jwk

import (
	"crypto"
	"errors"
	"fmt"
	"time"
)

var (
	ErrKeyNotFound          = errors.New("signing key not found")
	ErrKeySourceUnavailable = errors.New("key source unavailable")
	ErrInvalidJWKS          = errors.New("invalid JWKS")
	ErrEmptyKeySet          = errors.New("key set contains no usable keys")
	ErrDuplicateKeyID       = errors.New("duplicate key id in key set")
)

// SigningKey is one public key published by the identity provider.
type SigningKey struct {
	KeyID string
	// Algorithm is the "alg" the provider declared for the key, if any.
	Algorithm string
	// Key is *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
	Key crypto.PublicKey
}

// KeySet is an immutable snapshot of the provider's keys. A refresh builds a
// new KeySet; existing snapshots stay valid for readers holding them.
type KeySet struct {
	keys      []SigningKey
	byID      map[string]int
	fetchedAt time.Time
}

// NewKeySet builds a snapshot from keys. It fails when keys is empty or when
// two keys share a key id.
func NewKeySet(keys []SigningKey, fetchedAt time.Time) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	s := &KeySet{
		keys:      make([]SigningKey, len(keys)),
		byID:      make(map[string]int, len(keys)),
		fetchedAt: fetchedAt,
	}
	copy(s.keys, keys)
	for i, k := range s.keys {
		if _, dup := s.byID[k.KeyID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyID, k.KeyID)
		}
		s.byID[k.KeyID] = i
	}
	return s, nil
}

// Lookup returns the key with the given id.
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	i, ok := s.byID[kid]
	if !ok {
		return SigningKey{}, false
	}
	return s.keys[i], true
}

func (s *KeySet) Len() int { return len(s.keys) }

// FetchedAt is when the snapshot was fetched, on the owning cache's clock.
func (s *KeySet) FetchedAt() time.Time { return s.fetchedAt }

// KeyIDs returns the key ids in provider order.
func (s *KeySet) KeyIDs() []string {
	ids := make([]string, len(s.keys))
	for i, k := range s.keys {
		ids[i] = k.KeyID
	}
	return ids
}
