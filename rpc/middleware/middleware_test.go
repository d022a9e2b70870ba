package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "cawnet",
		Audience:   "cawnet-validators",
	}, nil)
	handler := auth.Middleware(ScopeValidator)(okHandler())
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + signToken(t, jwt.MapClaims{"iss": "cawnet", "aud": "cawnet-validators", "exp": exp, "scope": "operator"}), http.StatusForbidden},
		{"wrong issuer", "Bearer " + signToken(t, jwt.MapClaims{"iss": "other", "aud": "cawnet-validators", "exp": exp, "scope": "validator"}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.MapClaims{"iss": "cawnet", "aud": "cawnet-validators", "exp": time.Now().Add(-time.Hour).Unix(), "scope": "validator"}), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, jwt.MapClaims{"iss": "cawnet", "aud": "cawnet-validators", "scope": "validator"}), http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, jwt.MapClaims{"iss": "cawnet", "aud": "cawnet-validators", "exp": exp, "scope": "validator operator", "sub": "validator-1"}), http.StatusOK},
		{"valid list", "bearer " + signToken(t, jwt.MapClaims{"iss": "cawnet", "aud": []string{"x", "cawnet-validators"}, "exp": exp, "scope": []string{"validator"}}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.status, res.Code)
		})
	}
}

func TestAuthenticatorStoresPrincipal(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	var got Principal
	handler := auth.Middleware(ScopeOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/faucet", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub":   "ops-1",
		"exp":   time.Now().Add(time.Minute).Unix(),
		"scope": "operator validator",
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, Principal{Subject: "ops-1", Scopes: []string{"operator", "validator"}}, got)
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}, nil).Middleware(ScopeValidator)(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/batches", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"batches": {RequestsPerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("batches")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)

	// Another caller has its own bucket.
	other := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	other.Header.Set("X-Forwarded-For", "10.1.2.3, 10.0.0.1")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, other)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRateLimiterSeparatesRoutesAndEvictsIdle(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"batches": {RequestsPerSecond: 1, Burst: 1},
		"quotes":  {RequestsPerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	batches := limiter.Middleware("batches")(okHandler())
	quotes := limiter.Middleware("quotes")(okHandler())
	unlimited := limiter.Middleware("health")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, h := range []http.Handler{batches, quotes, unlimited, unlimited} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code)
	}
	require.Len(t, limiter.visitors, 2)

	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("fresh", RateLimit{RequestsPerSecond: 1})
	require.Len(t, limiter.visitors, 1)
}

func TestObservabilityRecordsStatus(t *testing.T) {
	obs := NewObservability(nil, true)
	handler := obs.Middleware("identities")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "unknown identity")
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/identities/9", nil))
	require.Equal(t, http.StatusNotFound, res.Code)
	require.JSONEq(t, `{"error":"unknown identity"}`, res.Body.String())
}
