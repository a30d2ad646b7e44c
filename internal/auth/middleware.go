package auth

import (
	"context"
	"net/http"
	"strings"

	"recordkeeper/internal/token"
)

type principalKey struct{}

// WithPrincipal binds the authenticated principal to the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal bound by the authentication
// middleware, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates bearer tokens and binds principals to requests.
// It never rejects a request itself: a missing, malformed or expired token
// simply leaves the request unauthenticated, and downstream responders
// decide what that means for the route.
type Authenticator struct {
	codec        *token.Codec
	users        UserDirectory
	skipPrefixes []string
}

func NewAuthenticator(codec *token.Codec, users UserDirectory, skipPrefixes []string) *Authenticator {
	return &Authenticator{
		codec:        codec,
		users:        users,
		skipPrefixes: skipPrefixes,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range a.skipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			next.ServeHTTP(w, r)
			return
		}
		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		subject, err := a.codec.ExtractSubject(tokenStr)
		if err != nil {
			// Malformed or expired: no principal, no error.
			next.ServeHTTP(w, r)
			return
		}

		user, err := a.users.FindByEmail(r.Context(), subject)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if !a.codec.Validate(tokenStr, user.Email) {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), user.Principal())))
	})
}

// RequirePrincipal rejects unauthenticated requests with a structured 401
// body instead of a framework default page.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole guards a route behind a role label. Unauthenticated requests
// get 401, authenticated ones without the role get 403.
func RequireRole(role Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !p.HasRole(role) {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
