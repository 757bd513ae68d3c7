package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func echoUserID() (http.Handler, *string) {
	var got string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}), &got
}

func TestAuthResolvesUserID(t *testing.T) {
	next, got := echoUserID()
	h := NewAuthMiddleware(testSecret, nil, nil).Handler(next)

	token := signToken(t, testSecret, Claims{UserID: "alice"})
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if *got != "alice" {
		t.Fatalf("resolved user = %q", *got)
	}
}

func TestAuthFallsBackToSubject(t *testing.T) {
	next, got := echoUserID()
	h := NewAuthMiddleware(testSecret, nil, nil).Handler(next)

	token := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	})
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if *got != "bob" {
		t.Fatalf("resolved user = %q, want subject fallback", *got)
	}
}

func TestAuthQueryTokenForWebsockets(t *testing.T) {
	next, got := echoUserID()
	h := NewAuthMiddleware(testSecret, nil, nil).Handler(next)

	token := signToken(t, testSecret, Claims{UserID: "alice"})
	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || *got != "alice" {
		t.Fatalf("query token auth failed: status=%d user=%q", rec.Code, *got)
	}
}

func TestAuthRejections(t *testing.T) {
	next, _ := echoUserID()
	h := NewAuthMiddleware(testSecret, nil, nil).Handler(next)

	expired := signToken(t, testSecret, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongSecret := signToken(t, []byte("other-secret"), Claims{UserID: "alice"})
	noIdentity := signToken(t, testSecret, Claims{})

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "Token abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong secret", "Bearer " + wrongSecret},
		{"no identity", "Bearer " + noIdentity},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/state", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", tc.name, rec.Code)
		}
	}
}

func TestAuthSkipPaths(t *testing.T) {
	next, _ := echoUserID()
	h := NewAuthMiddleware(testSecret, nil, []string{"/healthz", "/metrics"}).Handler(next)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s should skip auth, got %d", path, rec.Code)
		}
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := NewRateLimiter(1, 2, nil).Handler(next)

	allowed, throttled := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/state", nil)
		req = req.WithContext(WithUserID(req.Context(), "alice"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			throttled++
		default:
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	if allowed == 0 || throttled == 0 {
		t.Fatalf("burst of 2 at 1 rps should allow some and throttle some: allowed=%d throttled=%d", allowed, throttled)
	}
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := NewRateLimiter(1, 1, nil).Handler(next)

	drain := httptest.NewRequest(http.MethodGet, "/state", nil)
	drain = drain.WithContext(WithUserID(drain.Context(), "alice"))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), drain)
	}

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req = req.WithContext(WithUserID(req.Context(), "bob"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("one user's burst must not throttle another, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := NewCORSMiddleware([]string{"*"}).Handler(next)

	req := httptest.NewRequest(http.MethodOptions, "/state", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("allow-origin header missing")
	}
}
