package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"labelflow/internal/logging"
	"labelflow/internal/models"
)

type userKey struct{}

// Authenticator resolves a raw bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.User, error)
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter (browsers cannot set headers on
// websocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// RequireUser rejects requests without a valid token with 401 and stores the
// user in the request context otherwise.
func RequireUser(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authn.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				status := http.StatusUnauthorized
				if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrUserDisabled) {
					status = http.StatusInternalServerError
				}
				logging.FromContext(r.Context(), logger).Warn("request rejected", "error", err, "status", status)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored by RequireUser.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey{}).(*models.User)
	return user, ok && user != nil
}
