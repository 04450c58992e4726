package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	token, err := ExtractToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "test-token" {
		t.Fatalf("unexpected token: %s", token)
	}
}

func TestExtractTokenErrors(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

	if _, err := ExtractToken(req); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	req.Header.Set("Authorization", "Key abc")
	if _, err := ExtractToken(req); err != ErrInvalidPrefix {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer ")
	if _, err := ExtractToken(req); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken for empty token, got %v", err)
	}
}

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"valid", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"wrong", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/builds", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		RequireToken(tc.token)(ok).ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}
