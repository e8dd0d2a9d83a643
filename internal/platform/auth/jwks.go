package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	// minJWKSRefresh bounds how often an unknown kid can force a refetch.
	minJWKSRefresh = 30 * time.Second
)

// JWKSKey is one entry of a JSON Web Key Set.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// keySet holds the RSA signing keys of the identity provider, refetched
// after ttl or when a token names a kid the set does not know.
type keySet struct {
	url    string
	ttl    time.Duration
	client *resty.Client
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newKeySet(url string, ttl time.Duration) *keySet {
	return &keySet{
		url:    url,
		ttl:    ttl,
		client: resty.New().SetTimeout(10 * time.Second).SetRetryCount(2),
		now:    time.Now,
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (s *keySet) key(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := s.now().Sub(s.fetchedAt)
	key, known := s.keys[kid]
	stale := s.fetchedAt.IsZero() || age > s.ttl
	if known && !stale {
		return key, nil
	}
	if stale || age > minJWKSRefresh {
		if err := s.refresh(); err != nil {
			if known {
				return key, nil
			}
			return nil, err
		}
		key, known = s.keys[kid]
	}
	if !known {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

// refresh must be called with mu held.
func (s *keySet) refresh() error {
	var set JWKSResponse
	resp, err := s.client.R().SetResult(&set).Get(s.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch jwks: %s returned %d", s.url, resp.StatusCode())
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("fetch jwks: no usable RSA signing keys")
	}
	s.keys = keys
	s.fetchedAt = s.now()
	return nil
}

func (k JWKSKey) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
