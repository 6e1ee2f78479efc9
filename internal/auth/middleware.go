package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/triangle-auth/internal/apperror"
	"github.com/sakif/triangle-auth/internal/model"
)

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue keys are compared by type AND value. With a plain
// string key, any package that knows the literal could read or shadow the
// value. A package-private type makes collisions impossible: only this
// package can mint keys of this type.
type contextKey string

const userKey contextKey = "user"

// Authenticator resolves an Authorization header value to a local user.
// The identity service implements it; the small interface keeps this
// middleware decoupled from the service package (and trivially fakeable in
// handler tests).
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*model.User, error)
}

// RequireUser is the guard on protected routes.
//
// It parses the Bearer header, verifies the ID token, and looks up the local
// user by the verified subject — rejecting with 401 when the token is
// missing/invalid and 404 when the subject has no local record yet
// (registration is a separate, required prior step; this guard never
// auto-creates accounts).
//
// On success the full user record is stored in the request context, so
// handlers don't repeat the store lookup.
func RequireUser(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				logger.Debug("request rejected by auth guard",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError maps guard failures onto the wire without importing the
// handler package (which imports this one). Only two outcomes exist here:
// the subject verified but has no local record (404), or anything else (401).
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, apperror.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"user not found"}`))
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"valid authentication required"}`))
}

// UserFromContext retrieves the authenticated user stored by RequireUser.
// Returns (nil, false) on routes the middleware didn't run on.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}
