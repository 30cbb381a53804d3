package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Authenticator resolves the caller of an HTTP request.
type Authenticator struct {
	verifier *Verifier
	roles    RoleSource
}

func NewAuthenticator(v *Verifier, roles RoleSource) *Authenticator {
	return &Authenticator{verifier: v, roles: roles}
}

// Authenticate reads "Authorization: Bearer <token>" or, for WebSocket
// upgrades where browsers cannot set headers, the access_token query value.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: no authorization header", ErrUnauthorized)
	}

	userID, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	// store failure, not a credential problem: not ErrUnauthorized
	roles, err := a.roles.GetRoles(r.Context(), userID)
	if err != nil {
		return Identity{}, fmt.Errorf("load roles: %w", err)
	}
	return Identity{UserID: userID, Roles: roles}, nil
}

// FailureStatus maps an Authenticate error: 401 for a missing or bad
// credential, 500 when the roles could not be loaded.
func FailureStatus(err error) int {
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			log.Printf("[auth] %s %s: %v", r.Method, r.URL.Path, err)
			if status := FailureStatus(err); status != http.StatusUnauthorized {
				writeError(w, status, "internal error")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireStaff lets through employee and admin callers only.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !id.IsStaff() {
			writeError(w, http.StatusForbidden, "forbidden: employee role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
