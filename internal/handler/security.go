package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/pkg/httpmiddleware"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
	limit   httpmiddleware.Middleware
}

// SecurityOption configures a SecurityHandler.
type SecurityOption func(*SecurityHandler)

// WithRateLimit runs mw on authenticated requests only, so its key function
// can rely on KeyID instead of headers the caller controls.
func WithRateLimit(mw httpmiddleware.Middleware) SecurityOption {
	return func(s *SecurityHandler) { s.limit = mw }
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte, opts ...SecurityOption) *SecurityHandler {
	s := &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyID returns a rate limit key for r: the ID of the API key that
// authenticated it, or the client IP when there is none.
func KeyID(r *http.Request) string {
	if info := auth.FromContext(r.Context()); info != nil {
		return "key:" + info.ID
	}
	return httpmiddleware.ClientIP(r)
}

// Require wraps next so that it only runs for requests carrying an API key
// that grants scope. The key is stored in the request context.
func (s *SecurityHandler) Require(scope string, next http.Handler) http.Handler {
	if s.limit != nil {
		next = s.limit(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		info, ok := s.authenticate(r, key)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !info.HasScope(scope) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithInfo(r.Context(), info)))
	})
}

func (s *SecurityHandler) authenticate(r *http.Request, key string) (*auth.APIKeyInfo, bool) {
	hexHash := auth.HashKey(key, s.pepper)

	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		if !errors.Is(err, auth.ErrKeyNotFound) {
			zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
		}
		return nil, false
	}

	// Stored hash must match byte for byte.
	want, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, false
	}
	got, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, false
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return nil, false
	}
	return info, true
}
