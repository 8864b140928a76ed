// Package identity authenticates HTTP callers. The identity of a request is
// the subject of a verified OIDC ID token, or in development an explicit
// header.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/logging"
)

// DevHeader carries the caller identity when header authentication is enabled.
const DevHeader = "X-Vanguard-Identity"

const maxIdentityLength = 255

// ErrUnauthenticated is returned when no authenticator accepts the request.
var ErrUnauthenticated = errors.New("identity: not authenticated")

// Authenticator extracts a verified identity from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Chain tries each authenticator in order and returns the first identity found.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(r *http.Request) (string, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		id, err := a.Authenticate(r)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
	}
	return "", ErrUnauthenticated
}

// HeaderAuthenticator trusts DevHeader. Never enable it in production.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(DevHeader))
	if id == "" || len(id) > maxIdentityLength {
		return "", ErrUnauthenticated
	}
	return id, nil
}

type contextKey struct{}

// WithIdentity stores identity in ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context otherwise.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					logging.FromContext(r.Context()).Warn().Err(err).Msg("Authentication failed")
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="vanguard"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
				return
			}
			ctx := WithIdentity(r.Context(), id)
			ctx = logging.WithIdentity(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
