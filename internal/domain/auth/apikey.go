// Package auth describes API key identities and the scopes they grant.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// Scopes granted to API keys.
const (
	ScopeRedeem = "coupons:redeem"
	ScopeAdmin  = "coupons:admin"
)

// ErrKeyNotFound is returned when no active key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants scope. The admin scope implies
// every other scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope) || slices.Contains(i.Scopes, ScopeAdmin)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex-encoded HMAC-SHA256 of key under pepper.
func HashKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type infoKey struct{}

// WithInfo returns a context carrying the authenticated key.
func WithInfo(ctx context.Context, info *APIKeyInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the authenticated key, or nil.
func FromContext(ctx context.Context) *APIKeyInfo {
	info, _ := ctx.Value(infoKey{}).(*APIKeyInfo)
	return info
}
