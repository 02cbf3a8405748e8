// Package auth verifies HS256 bearer tokens on API requests.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoClaims     = errors.New("no claims in context")
)

// Claims carried by API tokens
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// IssueToken signs a token for subject valid for ttl
func IssueToken(secret, issuer, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verifier checks bearer tokens. A Verifier with an empty secret lets every
// request through.
type Verifier struct {
	secret []byte
	issuer string
	open   map[string]bool
	logger *slog.Logger
}

func NewVerifier(secret, issuer string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		open:   map[string]bool{"/health": true, "/metrics": true},
		logger: logger,
	}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Parse validates a raw token string
func (v *Verifier) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() || v.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := bearerToken(r)
		if err == nil {
			var claims *Claims
			if claims, err = v.Parse(raw); err == nil {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}
		}

		v.logger.Warn("auth.rejected", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="invoice-pipeline"`)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "details": err.Error()})
	})
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) (*Claims, error) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	if !ok || c == nil {
		return nil, ErrNoClaims
	}
	return c, nil
}
