// Package middleware holds the HTTP middleware of the node API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer token validation. Tokens are HS256 signed and
// must carry an expiry.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// Leeway tolerated on exp/nbf/iat. Defaults to two minutes.
	Leeway time.Duration
}

const (
	ScopeValidator = "validator"
	ScopeOperator  = "operator"
)

type principalKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Scopes  []string
}

// PrincipalFrom returns the caller stored by Authenticator.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// scopes accepts both the space separated string form and a JSON list.
type scopes []string

func (s *scopes) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scope claim: %w", err)
	}
	*s = list
	return nil
}

func (s scopes) has(required ...string) bool {
	for _, want := range required {
		if !slices.Contains(s, want) {
			return false
		}
	}
	return true
}

type claims struct {
	jwt.RegisteredClaims
	Scope scopes `json:"scope,omitempty"`
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	parser *jwt.Parser
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		parser: jwt.NewParser(opts...),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Middleware rejects requests without a valid token carrying every required
// scope. The caller is available downstream through PrincipalFrom.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw := bearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			parsed, err := a.verify(raw)
			if err != nil {
				a.logger.Warn("token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !parsed.Scope.has(required...) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			principal := Principal{Subject: parsed.Subject, Scopes: parsed.Scope}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func (a *Authenticator) verify(raw string) (*claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	parsed := &claims{}
	if _, err := a.parser.ParseWithClaims(raw, parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return parsed, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
