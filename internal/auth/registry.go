// ABOUTME: In-memory registry of issued website tokens backed by go-cache.
// ABOUTME: Tokens live until logout, expiry or a server disable; nothing is persisted.

package auth

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Registry tracks live website tokens. A token must both verify and be
// registered to be accepted, so a logout or Clear revokes it immediately.
type Registry struct {
	verifier *JWTVerifier
	ttl      time.Duration
	tokens   *cache.Cache
}

// NewRegistry creates a Registry issuing tokens valid for ttl.
func NewRegistry(verifier *JWTVerifier, ttl time.Duration) *Registry {
	return &Registry{
		verifier: verifier,
		ttl:      ttl,
		tokens:   cache.New(ttl, ttl/2+time.Minute),
	}
}

// Issue creates and registers a token for websiteID.
func (r *Registry) Issue(websiteID string) (string, error) {
	token, err := r.verifier.Generate(websiteID, r.ttl)
	if err != nil {
		return "", err
	}
	r.tokens.Set(token, websiteID, cache.DefaultExpiration)
	return token, nil
}

// Lookup returns the website a live token belongs to.
func (r *Registry) Lookup(token string) (string, error) {
	v, ok := r.tokens.Get(token)
	if !ok {
		return "", ErrInvalidToken
	}
	websiteID, err := r.verifier.Verify(token)
	if err != nil {
		r.tokens.Delete(token)
		return "", err
	}
	if websiteID != v.(string) {
		return "", ErrInvalidToken
	}
	return websiteID, nil
}

// Revoke removes token and reports whether it was registered.
func (r *Registry) Revoke(token string) bool {
	if _, ok := r.tokens.Get(token); !ok {
		return false
	}
	r.tokens.Delete(token)
	return true
}

// Clear revokes every token.
func (r *Registry) Clear() {
	r.tokens.Flush()
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	return r.tokens.ItemCount()
}
