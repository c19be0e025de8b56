package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/monitor"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthMiddleware(t *testing.T) {
	valid := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"id":  42,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	expired := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"id":  42,
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongSecret := signToken(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"id": 42})
	wrongMethod := signToken(t, jwt.SigningMethodHS512, testSecret, jwt.MapClaims{"id": 42})
	noUser := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "x"})
	issued := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"id": 7, "iss": "web"})

	secured := config.SecurityConfig{
		APIKeyHeader: "X-API-Key",
		AllowedKeys:  []string{"good-key"},
		JWTSecret:    testSecret,
	}

	tests := []struct {
		name          string
		sec           config.SecurityConfig
		header        map[string]string
		cookie        string
		wantStatus    int
		wantPrincipal string
	}{
		{"auth disabled", config.SecurityConfig{}, nil, "", http.StatusOK, ""},
		{"no credentials", secured, nil, "", http.StatusUnauthorized, ""},
		{"api key header", secured, map[string]string{"X-API-Key": "good-key"}, "", http.StatusOK, "key"},
		{"api key bearer", secured, map[string]string{"Authorization": "Bearer good-key"}, "", http.StatusOK, "key"},
		{"bad api key", secured, map[string]string{"X-API-Key": "bad-key"}, "", http.StatusUnauthorized, ""},
		{"custom key header", config.SecurityConfig{APIKeyHeader: "X-Runner-Key", AllowedKeys: []string{"k"}},
			map[string]string{"X-Runner-Key": "k"}, "", http.StatusOK, "key"},
		{"session cookie", secured, nil, valid, http.StatusOK, "user:42"},
		{"session bearer", secured, map[string]string{"Authorization": "Bearer " + valid}, "", http.StatusOK, "user:42"},
		{"expired token", secured, nil, expired, http.StatusUnauthorized, ""},
		{"wrong secret", secured, nil, wrongSecret, http.StatusUnauthorized, ""},
		{"wrong signing method", secured, nil, wrongMethod, http.StatusUnauthorized, ""},
		{"token without user id", secured, nil, noUser, http.StatusUnauthorized, ""},
		{"garbage token", secured, nil, "not.a.token", http.StatusUnauthorized, ""},
		{"issuer matches", config.SecurityConfig{JWTSecret: testSecret, JWTIssuer: "web"}, nil, issued, http.StatusOK, "user:7"},
		{"issuer mismatch", config.SecurityConfig{JWTSecret: testSecret, JWTIssuer: "other"}, nil, issued, http.StatusUnauthorized, ""},
		{"keys only ignores tokens", config.SecurityConfig{AllowedKeys: []string{"good-key"}}, nil, valid, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var principal string
			handler := AuthMiddleware(tt.sec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				principal = PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/run-code", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: sessionCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if principal != tt.wantPrincipal {
				t.Errorf("principal = %q, want %q", principal, tt.wantPrincipal)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(0.001, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/languages", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Different source ports of one host share a bucket.
	for i, addr := range []string{"10.0.0.1:1000", "10.0.0.1:1001"} {
		if rec := send(addr); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i, rec.Code)
		}
	}
	rec := send("10.0.0.1:1002")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if rec := send("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("other host: got status %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i, rec.Code)
		}
	}
}

func scrape(t *testing.T, m *monitor.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestMetricsMiddleware(t *testing.T) {
	m := monitor.NewMetrics()
	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body := scrape(t, m); !strings.Contains(body, "coderunner_api_requests_in_flight 1") {
			t.Error("in-flight gauge not raised during request")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	body := scrape(t, m)
	if !strings.Contains(body, `coderunner_api_requests_total{code="418",method="GET"} 1`) {
		t.Errorf("requests_total not recorded:\n%s", body)
	}
	if !strings.Contains(body, "coderunner_api_requests_in_flight 0") {
		t.Error("in-flight gauge not lowered after request")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Code != "INTERNAL" || resp.RequestID == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("supplied id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc" {
		t.Errorf("expected a generated id, got %q", seen)
	}
}

func TestStatusRecorder_Flush(t *testing.T) {
	var flushable bool
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !flushable {
		t.Error("wrapped writer lost http.Flusher")
	}
}
