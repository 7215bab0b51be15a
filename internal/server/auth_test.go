package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuth_Disabled(t *testing.T) {
	// When no password is set, all requests should succeed without credentials.
	srv, _ := newTestServer(t, Options{Password: ""})

	rr := do(srv, http.MethodGet, "/api/books", nil, "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestAuth_MissingCredentials(t *testing.T) {
	srv, _ := newTestServer(t, Options{Password: "secret"})

	rr := do(srv, http.MethodGet, "/api/books", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}

func TestAuth_BasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, Options{Password: "secret"})

	cases := []struct {
		name, user, pass string
		want             int
	}{
		{"wrong password", "admin", "wrong", http.StatusUnauthorized},
		{"correct password", "admin", "secret", http.StatusOK},
		{"username ignored", "anyone", "secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
			req.SetBasicAuth(tc.user, tc.pass)
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestAuth_HealthAlwaysPublic(t *testing.T) {
	srv, _ := newTestServer(t, Options{Password: "secret"})

	rr := do(srv, http.MethodGet, "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for /health without auth, got %d", rr.Code)
	}
}
