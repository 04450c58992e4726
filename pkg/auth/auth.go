package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing API token")
	// ErrInvalidPrefix indicates the header did not use the Bearer scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrInvalidToken indicates a token that does not match the configured one.
	ErrInvalidToken = errors.New("invalid API token")
)

// ExtractToken parses a "Bearer <token>" Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}

// RequireToken rejects requests whose bearer token differs from token. An
// empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := ExtractToken(r)
			if err == nil && subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				err = ErrInvalidToken
			}
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
