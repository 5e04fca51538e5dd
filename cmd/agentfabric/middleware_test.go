package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/internal/ctxkeys"
	"github.com/BaSui01/agentfabric/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	handler := Chain(okHandler(), SecurityHeaders(), RequestID())
	w := serve(handler, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okHandler(), mark("a"), mark("b"), mark("c")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	handler := RequestID()(inner)

	t.Run("generated", func(t *testing.T) {
		w := serve(handler, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req-"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	})

	t.Run("propagated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "abc-123")
		w := serve(handler, r)
		assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "abc-123", seen)
	})

	t.Run("oversized id replaced", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		w := serve(handler, r)
		assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req-"))
	})
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	w := serve(Recovery(zaptest.NewLogger(t))(panicky), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth([]string{"secret"}, []string{"/health"}, zaptest.NewLogger(t))(okHandler())

	tests := []struct {
		name   string
		path   string
		key    string
		expect int
	}{
		{name: "valid key", path: "/v1/agents", key: "secret", expect: http.StatusOK},
		{name: "missing key", path: "/v1/agents", expect: http.StatusUnauthorized},
		{name: "wrong key", path: "/v1/agents", key: "nope", expect: http.StatusUnauthorized},
		{name: "skipped path", path: "/health", expect: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			assert.Equal(t, tt.expect, serve(handler, r).Code)
		})
	}
}

func signHS256(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "agentfabric",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestJWTAuth_HS256(t *testing.T) {
	cfg := config.ServerConfig{JWTSecret: "s3cret", JWTIssuer: "agentfabric"}

	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
	})
	handler := JWTAuth(cfg, []string{"/health"}, zaptest.NewLogger(t))(inner)

	request := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return r
	}

	t.Run("valid token sets subject", func(t *testing.T) {
		w := serve(handler, request(signHS256(t, "s3cret", validClaims("billing"))))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "billing", subject)
	})

	t.Run("missing header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(handler, request("")).Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := serve(handler, request(signHS256(t, "other", validClaims("billing"))))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := validClaims("billing")
		claims.Issuer = "someone-else"
		w := serve(handler, request(signHS256(t, "s3cret", claims)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims("billing")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		w := serve(handler, request(signHS256(t, "s3cret", claims)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no subject", func(t *testing.T) {
		w := serve(handler, request(signHS256(t, "s3cret", validClaims(""))))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("skipped path", func(t *testing.T) {
		w := serve(handler, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestJWTAuth_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	cfg := config.ServerConfig{JWTPublicKey: string(pubPEM), JWTAudience: "fabric"}
	handler := JWTAuth(cfg, nil, zaptest.NewLogger(t))(okHandler())

	claims := validClaims("router")
	claims.Audience = jwt.ClaimStrings{"fabric"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, serve(handler, r).Code)

	// HS256 is refused when no secret is configured.
	r = httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, "guess", claims))
	assert.Equal(t, http.StatusUnauthorized, serve(handler, r).Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zaptest.NewLogger(t))(okHandler())

	request := func(addr, subject string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		r.RemoteAddr = addr
		if subject != "" {
			r = r.WithContext(ctxkeys.WithSubject(r.Context(), subject))
		}
		return r
	}

	assert.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1000", "")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1001", "")).Code)
	w := serve(handler, request("10.0.0.1:1002", ""))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// A different IP, or an authenticated subject on the same IP, has its own budget.
	assert.Equal(t, http.StatusOK, serve(handler, request("10.0.0.2:1000", "")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1003", "billing")).Code)
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://console.example.com"})(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		r.Header.Set("Origin", "https://console.example.com")
		w := serve(handler, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight allowed", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/v1/agents", nil)
		r.Header.Set("Origin", "https://console.example.com")
		assert.Equal(t, http.StatusNoContent, serve(handler, r).Code)
	})

	t.Run("preflight refused", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/v1/agents", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		w := serve(handler, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		w := serve(handler, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/v1/rpc":                    "/v1/rpc",
		"/v1/agents":                 "/v1/agents",
		"/v1/agents/billing":         "/v1/agents/:id",
		"/v1/agents/billing/metrics": "/v1/agents/:id/metrics",
		"/v1/agents/billing/other":   "other",
		"/v1/agents/":                "other",
		"/.well-known/agent.json":    "/.well-known/agent.json",
		"/random":                    "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("mwtest", reg, zaptest.NewLogger(t))
	handler := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	serve(handler, httptest.NewRequest(http.MethodGet, "/v1/agents/billing", nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "mwtest_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["path"] == "/v1/agents/:id" {
				found = true
				assert.Equal(t, float64(1), m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found, "request counter with normalized path not recorded")
}
