package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	keySetTTL = 5 * time.Minute
	// minRefresh bounds how often the endpoint is refetched.
	minRefresh = 30 * time.Second
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet serves RSA verification keys from the identity provider's JWKS
// endpoint. A failed refresh keeps the previously fetched keys.
type KeySet struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
}

func NewKeySet(url string) *KeySet {
	return &KeySet{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		keys:   map[string]*rsa.PublicKey{},
	}
}

// Key returns the verification key for kid, refreshing the set when it is
// stale or does not know kid.
func (s *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[kid]
	now := s.now()
	stale := now.Sub(s.fetchedAt) > keySetTTL
	if ok && !stale {
		return key, nil
	}
	if now.Sub(s.attemptedAt) >= minRefresh {
		s.attemptedAt = now
		keys, err := s.fetch(ctx)
		switch {
		case err == nil:
			s.keys, s.fetchedAt = keys, now
		case !ok:
			return nil, fmt.Errorf("refresh JWKS: %w", err)
		}
	}
	if key, ok = s.keys[kid]; !ok {
		return nil, fmt.Errorf("no JWKS key with kid %q", kid)
	}
	return key, nil
}

func (s *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := k.rsa(); err == nil {
			keys[k.Kid] = pub
		}
	}
	return keys, nil
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}
